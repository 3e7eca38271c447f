package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"benchmark-harness/internal/benchmark"
	"benchmark-harness/internal/pool"
	"benchmark-harness/internal/stats"
	"benchmark-harness/internal/target"
)

const (
	defaultTargetHost = "127.0.0.1"
	defaultTargetPort = 8080
	maxBenchmarkBody  = 64 << 10
)

type benchmarkRequest struct {
	NumThreads        *int    `json:"num_threads"`
	RequestsPerThread *int    `json:"requests_per_thread"`
	TargetHost        string  `json:"target_host"`
	TargetPort        *int    `json:"target_port"`
	Connection        string  `json:"connection"`
	RateLimit         float64 `json:"rate_limit"`
}

// benchmarkResponse is the run summary returned to clients. Its keys are a
// fixed contract with existing dashboards.
type benchmarkResponse struct {
	TotalRequests  uint64  `json:"total_requests"`
	FailedRequests uint64  `json:"failed_requests"`
	Throughput     float64 `json:"throughput"`
	AvgLatency     float64 `json:"avg_latency"`
	P50Latency     float64 `json:"p50_latency"`
	P95Latency     float64 `json:"p95_latency"`
	P99Latency     float64 `json:"p99_latency"`
	Duration       float64 `json:"duration"`
}

func newBenchmarkResponse(s stats.Summary) benchmarkResponse {
	return benchmarkResponse{
		TotalRequests:  s.TotalRequests,
		FailedRequests: s.FailedRequests,
		Throughput:     s.ThroughputRPS,
		AvgLatency:     s.AvgLatencyMs,
		P50Latency:     s.P50LatencyMs,
		P95Latency:     s.P95LatencyMs,
		P99Latency:     s.P99LatencyMs,
		Duration:       s.DurationS,
	}
}

// Benchmark runs a benchmark synchronously and answers with its summary.
func (a *API) Benchmark(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondMethodNotAllowed(w, http.MethodPost, http.MethodOptions)
		return
	}
	var req benchmarkRequest
	if err := decodeJSON(w, r, &req, maxBenchmarkBody); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	cfg, status, code, err := a.buildConfig(req)
	if err != nil {
		writeAPIError(w, status, code, err.Error(), nil)
		return
	}
	if a.Policy != nil {
		if err := a.Policy.Check(r.Context(), cfg.TargetHost, cfg.TargetPort); err != nil {
			a.Logger.Printf("warn: benchmark refused target=%s: %v", cfg.Address(), err)
			writeAPIError(w, http.StatusForbidden, "target_denied", err.Error(), map[string]any{"target": cfg.Address()})
			return
		}
	}
	if a.draining.Load() {
		writeAPIError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
		return
	}
	if !a.runSlots.TryAcquire(1) {
		writeAPIError(w, http.StatusConflict, "run_in_progress", "benchmark already in progress",
			map[string]any{"max_concurrent_runs": a.limits.MaxConcurrentRuns})
		return
	}
	defer a.runSlots.Release(1)
	a.active.Add(1)
	defer a.active.Add(-1)

	// the run outlives a disconnecting client but not the server
	rep, err := a.Runner.Run(a.baseCtx, cfg)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrNoConnections):
			writeAPIError(w, http.StatusBadGateway, "target_unreachable", "could not establish any connection to target",
				map[string]any{"target": cfg.Address()})
		case errors.Is(err, benchmark.ErrInvalidConfig):
			writeAPIError(w, http.StatusBadRequest, "invalid_config", err.Error(), nil)
		default:
			a.Logger.Printf("error: benchmark run against %s: %v", cfg.Address(), err)
			writeAPIError(w, http.StatusInternalServerError, "run_failed", err.Error(), nil)
		}
		return
	}
	if a.Runs != nil {
		rep = a.Runs.Add(rep)
	}
	w.Header().Set("X-Run-ID", rep.ID)
	respondJSON(w, http.StatusOK, newBenchmarkResponse(rep.Summary))
}

// buildConfig applies defaults and limits. On failure it returns the HTTP
// status and error code to answer with.
func (a *API) buildConfig(req benchmarkRequest) (benchmark.Config, int, string, error) {
	var cfg benchmark.Config
	if req.NumThreads == nil {
		return cfg, http.StatusBadRequest, "invalid_body", errors.New("num_threads is required")
	}
	if req.RequestsPerThread == nil {
		return cfg, http.StatusBadRequest, "invalid_body", errors.New("requests_per_thread is required")
	}
	cfg.Workers = *req.NumThreads
	cfg.RequestsPerWorker = *req.RequestsPerThread
	if cfg.Workers < 1 || cfg.RequestsPerWorker < 1 {
		return cfg, http.StatusBadRequest, "invalid_config", errors.New("num_threads and requests_per_thread must be at least 1")
	}
	if limit := a.limits.MaxWorkers; limit > 0 && cfg.Workers > limit {
		return cfg, http.StatusBadRequest, "limit_exceeded", fmt.Errorf("num_threads exceeds limit of %d", limit)
	}
	if limit := a.limits.MaxRequestsPerWorker; limit > 0 && cfg.RequestsPerWorker > limit {
		return cfg, http.StatusBadRequest, "limit_exceeded", fmt.Errorf("requests_per_thread exceeds limit of %d", limit)
	}

	host := req.TargetHost
	if host == "" {
		host = defaultTargetHost
	}
	norm, err := target.Normalize(host)
	if err != nil {
		return cfg, http.StatusBadRequest, "invalid_target", err
	}
	cfg.TargetHost = norm
	cfg.TargetPort = defaultTargetPort
	if req.TargetPort != nil {
		cfg.TargetPort = *req.TargetPort
	}

	mode, err := benchmark.ParseConnectionMode(req.Connection, a.limits.DefaultConnection)
	if err != nil {
		return cfg, http.StatusBadRequest, "invalid_config", err
	}
	cfg.Connection = mode
	cfg.RateLimit = req.RateLimit

	if err := cfg.Validate(); err != nil {
		return cfg, http.StatusBadRequest, "invalid_config", err
	}
	return cfg, 0, "", nil
}
