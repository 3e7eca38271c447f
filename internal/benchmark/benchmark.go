// Package benchmark drives a fixed number of workers against one target
// through a shared connection pool and summarises what they observed.
package benchmark

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"benchmark-harness/internal/framer"
	"benchmark-harness/internal/metrics"
	"benchmark-harness/internal/pool"
	"benchmark-harness/internal/stats"
)

var ErrInvalidConfig = errors.New("benchmark: invalid config")

type ConnectionMode string

const (
	KeepAlive ConnectionMode = "keep-alive"
	Close     ConnectionMode = "close"
)

// ParseConnectionMode accepts the header spellings clients send. An empty
// string yields def.
func ParseConnectionMode(s string, def ConnectionMode) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "keep-alive", "keepalive":
		return KeepAlive, nil
	case "close":
		return Close, nil
	}
	return "", fmt.Errorf("%w: connection must be keep-alive or close, got %q", ErrInvalidConfig, s)
}

// Config describes one run.
type Config struct {
	TargetHost        string         `json:"target_host"`
	TargetPort        int            `json:"target_port"`
	Workers           int            `json:"num_threads"`
	RequestsPerWorker int            `json:"requests_per_thread"`
	Connection        ConnectionMode `json:"connection"`
	// RateLimit caps requests per second across all workers. Zero disables it.
	RateLimit float64 `json:"rate_limit,omitempty"`
}

func (c Config) Validate() error {
	switch {
	case c.TargetHost == "":
		return fmt.Errorf("%w: target host is empty", ErrInvalidConfig)
	case c.TargetPort < 1 || c.TargetPort > 65535:
		return fmt.Errorf("%w: target port %d out of range", ErrInvalidConfig, c.TargetPort)
	case c.Workers < 1:
		return fmt.Errorf("%w: need at least one worker", ErrInvalidConfig)
	case c.RequestsPerWorker < 1:
		return fmt.Errorf("%w: need at least one request per worker", ErrInvalidConfig)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: negative rate limit", ErrInvalidConfig)
	}
	if c.Connection != "" && c.Connection != KeepAlive && c.Connection != Close {
		return fmt.Errorf("%w: unknown connection mode %q", ErrInvalidConfig, c.Connection)
	}
	return nil
}

func (c Config) Address() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// HostHeader is the value sent in the Host header. IPv6 literals are
// bracketed; the port is omitted.
func (c Config) HostHeader() string {
	if strings.Contains(c.TargetHost, ":") {
		return "[" + c.TargetHost + "]"
	}
	return c.TargetHost
}

func (c Config) keepAlive() bool { return c.Connection != Close }

// PoolSizing derives the pool size from the worker count.
type PoolSizing struct {
	PerWorker int
	// Squared sizes the pool as workers*workers, ignoring PerWorker.
	Squared bool
	// Max clamps the result. Zero means no clamp.
	Max int
}

func (s PoolSizing) Size(workers int) int {
	n := workers
	switch {
	case s.Squared:
		n = workers * workers
	case s.PerWorker > 1:
		n = workers * s.PerWorker
	}
	if s.Max > 0 && n > s.Max {
		n = s.Max
	}
	return n
}

// Requester performs one request/response exchange on conn.
type Requester interface {
	Do(conn net.Conn) (framer.Exchange, error)
}

type Options struct {
	Dialer pool.Dialer
	Logger *log.Logger
	Pool   PoolSizing

	ConnectTimeout time.Duration
	// AcquireTimeout bounds each wait for a pooled connection. Zero waits forever.
	AcquireTimeout   time.Duration
	ReadTimeout      time.Duration
	RunTimeout       time.Duration
	MaxResponseBytes int
}

// Report is the outcome of a run that got as far as spawning workers.
type Report struct {
	ID         string        `json:"id"`
	Config     Config        `json:"config"`
	PoolSize   int           `json:"pool_size"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Summary    stats.Summary `json:"summary"`
	// Partial is set when the run was cut short by cancellation.
	Partial     bool           `json:"partial"`
	StatusCodes map[int]uint64 `json:"status_codes,omitempty"`
	FirstError  string         `json:"first_error,omitempty"`
	// IdleAtFinish is the number of pool handles back in the pool after
	// every worker returned.
	IdleAtFinish int `json:"idle_at_finish"`
}

type Runner struct {
	opts Options

	// newRequester builds the per-worker requester; replaced in tests.
	newRequester func(cfg Config, worker int) Requester
}

func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: opts.ConnectTimeout}
	}
	if opts.Pool.PerWorker < 1 {
		opts.Pool.PerWorker = 1
	}
	r := &Runner{opts: opts}
	r.newRequester = r.framerFor
	return r
}

func (r *Runner) framerFor(cfg Config, _ int) Requester {
	f := framer.New(cfg.HostHeader(), cfg.keepAlive())
	if r.opts.MaxResponseBytes > 0 {
		f.MaxResponseBytes = r.opts.MaxResponseBytes
	}
	f.ReadTimeout = r.opts.ReadTimeout
	return f
}

// Run executes cfg to completion or until ctx is done. Only an invalid
// config or a pool with no connections fails the run; per-request errors
// are counted in the report.
func (r *Runner) Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if cfg.Connection == "" {
		cfg.Connection = KeepAlive
	}
	if r.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RunTimeout)
		defer cancel()
	}
	metrics.Register()
	metrics.BenchmarkActiveRuns.Inc()
	defer metrics.BenchmarkActiveRuns.Dec()

	id := newRunID()
	logger := r.opts.Logger
	size := r.opts.Pool.Size(cfg.Workers)
	p, err := pool.New(ctx, pool.Options{
		Address: cfg.Address(),
		Size:    size,
		Dialer:  r.opts.Dialer,
		Logger:  logger,
	})
	if err != nil {
		metrics.ObserveRun("failed")
		logger.Printf("error: run %s: open pool to %s: %v", id, cfg.Address(), err)
		return Report{}, fmt.Errorf("open pool: %w", err)
	}
	defer p.Close()
	metrics.PoolSize.Set(float64(p.Size()))

	logger.Printf("run %s started target=%s workers=%d requests_per_worker=%d pool=%d connection=%s",
		id, cfg.Address(), cfg.Workers, cfg.RequestsPerWorker, p.Size(), cfg.Connection)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	events := make(chan outcome, cfg.Workers*2)
	col := newCollector(cfg.Workers * cfg.RequestsPerWorker)
	collected := make(chan struct{})
	go func() {
		col.run(events)
		close(collected)
	}()

	rep := Report{ID: id, Config: cfg, PoolSize: p.Size(), StartedAt: time.Now().UTC()}
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			id:             i,
			requests:       cfg.RequestsPerWorker,
			pool:           p,
			req:            r.newRequester(cfg, i),
			limiter:        limiter,
			acquireTimeout: r.opts.AcquireTimeout,
			events:         events,
		}
		g.Go(func() error { return w.run(ctx) })
	}
	werr := g.Wait()
	elapsed := time.Since(start)
	close(events)
	<-collected

	rep.FinishedAt = time.Now().UTC()
	rep.IdleAtFinish = p.Available()
	rep.Summary = stats.Summarize(col.total, col.failed, col.samples, elapsed.Seconds())
	rep.StatusCodes = col.statusCodes
	if col.firstErr != nil {
		rep.FirstError = col.firstErr.Error()
	}

	status := "completed"
	if werr != nil {
		rep.Partial = true
		status = "partial"
		logger.Printf("warn: run %s stopped early: %v", id, werr)
	}
	metrics.ObserveRun(status)
	logger.Printf("run %s %s total=%d failed=%d duration=%.3fs throughput=%.2f",
		id, status, rep.Summary.TotalRequests, rep.Summary.FailedRequests, rep.Summary.DurationS, rep.Summary.ThroughputRPS)
	if col.firstErr != nil {
		logger.Printf("warn: run %s first request error: %v", id, col.firstErr)
	}
	return rep, nil
}

func newRunID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
