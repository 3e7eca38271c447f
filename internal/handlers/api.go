package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"benchmark-harness/internal/benchmark"
	"benchmark-harness/internal/target"
)

// Runner executes one benchmark run.
type Runner interface {
	Run(ctx context.Context, cfg benchmark.Config) (benchmark.Report, error)
}

// RunStore keeps finished runs for the history endpoints.
type RunStore interface {
	Add(rep benchmark.Report) benchmark.Report
	List(n int) []benchmark.Report
	Get(id string) (benchmark.Report, bool)
	Delete(id string) bool
	Len() int
}

// Limits bound what a single request may ask for.
type Limits struct {
	MaxWorkers           int
	MaxRequestsPerWorker int
	MaxConcurrentRuns    int
	DefaultConnection    benchmark.ConnectionMode
}

type API struct {
	Runner  Runner
	Runs    RunStore
	Policy  *target.Policy // nil allows every target
	Logger  *log.Logger
	Version string

	limits   Limits
	runSlots *semaphore.Weighted
	baseCtx  context.Context
	active   atomic.Int64
	draining atomic.Bool
	started  time.Time
}

func New(runner Runner, runs RunStore, policy *target.Policy, logger *log.Logger, limits Limits) *API {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if limits.MaxConcurrentRuns <= 0 {
		limits.MaxConcurrentRuns = 1
	}
	if limits.DefaultConnection == "" {
		limits.DefaultConnection = benchmark.KeepAlive
	}
	return &API{
		Runner:   runner,
		Runs:     runs,
		Policy:   policy,
		Logger:   logger,
		limits:   limits,
		runSlots: semaphore.NewWeighted(int64(limits.MaxConcurrentRuns)),
		baseCtx:  context.Background(),
		started:  time.Now(),
	}
}

// SetBaseContext sets the context runs derive from. Cancelling it stops
// every in-flight run; the server cancels it on shutdown.
func (a *API) SetBaseContext(ctx context.Context) { a.baseCtx = ctx }

// Drain marks the API as shutting down: readiness fails and new runs are
// refused.
func (a *API) Drain() { a.draining.Store(true) }

// Helpers

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")

	w.WriteHeader(status)
	if v == nil || status == http.StatusNoContent {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

type apiError struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Meta    map[string]any `json:"meta,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, msg string, meta map[string]any) {
	if code == "" {
		code = http.StatusText(status)
	}
	var body apiError
	body.Error.Code = code
	body.Error.Message = msg
	if len(meta) > 0 {
		body.Error.Meta = meta
	}
	respondJSON(w, status, body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	writeAPIError(w, status, "", msg, nil)
}

func respondMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, maxBytes int64) error {
	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		ct := r.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, "application/json") {
			return errors.New("Content-Type must be application/json")
		}
	}

	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()

	limited := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	if dec.More() {
		return errors.New("only a single JSON object is allowed")
	}
	return nil
}
