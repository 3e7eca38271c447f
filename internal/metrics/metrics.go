package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg = prometheus.NewRegistry()

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"method", "path", "status_code"},
	)
	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rate_limiter_rejected_total", Help: "Requests rejected by rate limiter"},
	)
	AuthFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "auth_failures_total", Help: "Total failed benchmark token checks"},
	)
	BenchmarkRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "benchmark_runs_total", Help: "Benchmark runs by final status"},
		[]string{"status"},
	)
	BenchmarkActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "benchmark_active_runs", Help: "Benchmark runs currently executing"},
	)
	TargetRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "benchmark_target_requests_total", Help: "Requests issued against benchmark targets"},
		[]string{"outcome"},
	)
	TargetLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_target_latency_seconds",
			Help:    "Round-trip latency of successful target requests",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		},
	)
	PoolDialFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "benchmark_pool_dial_failures_total", Help: "Pooled connection attempts that failed and were skipped"},
	)
	PolicyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "target_policy_reloads_total", Help: "Target policy list reloads by result"},
		[]string{"result"},
	)
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "benchmark_pool_size", Help: "Effective connection pool size of the most recent run"},
	)
)

var registered atomic.Bool

func Register() {
	if registered.Swap(true) {
		return
	}
	reg.MustRegister(HTTPRequestsTotal, HTTPRequestDuration, RateLimitRejectedTotal, AuthFailuresTotal,
		BenchmarkRunsTotal, BenchmarkActiveRuns, TargetRequestsTotal, TargetLatency, PoolDialFailuresTotal, PoolSize, PolicyReloadsTotal)
}

// Returns the /metrics HTTP handler
func Handler() http.Handler { Register(); return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}) }

// Records metrics for a request.
func ObserveRequest(method, path, status string, dur time.Duration, statusCode int) {
	Register()
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, fmt.Sprintf("%d", statusCode)).Observe(dur.Seconds())
}

// ObserveTarget records one request against a benchmark target.
func ObserveTarget(ok bool, latency time.Duration) {
	Register()
	if !ok {
		TargetRequestsTotal.WithLabelValues("failure").Inc()
		return
	}
	TargetRequestsTotal.WithLabelValues("success").Inc()
	TargetLatency.Observe(latency.Seconds())
}

// ObserveRun records a finished run. status is one of completed, partial, failed.
func ObserveRun(status string) {
	Register()
	BenchmarkRunsTotal.WithLabelValues(status).Inc()
}
