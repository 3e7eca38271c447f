package router

import (
	"log"
	"net/http"

	"benchmark-harness/internal/config"
	"benchmark-harness/internal/handlers"
	"benchmark-harness/internal/metrics"
	"benchmark-harness/internal/middleware"
)

// probePaths bypass the per-IP rate limiter.
var probePaths = []string{"/healthz", "/livez", "/readyz", "/metrics"}

func New(api *handlers.API, logger *log.Logger, cfg config.Config, version string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", api.Index)
	mux.HandleFunc("/", api.NotFound)

	mux.HandleFunc("/healthz", api.Health)
	mux.HandleFunc("/livez", api.Live)
	mux.HandleFunc("/readyz", api.Ready)
	mux.HandleFunc("/status", api.Status)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/benchmark", api.Benchmark)
	mux.HandleFunc("/api/runs", api.ListRuns)
	mux.HandleFunc("/api/runs/{id}", api.RunByID)
	mux.HandleFunc("/api/target-policy", api.TargetPolicy)
	mux.HandleFunc("/api/target-policy/reload", api.ReloadTargetPolicy)

	middleware.SetTrustProxyHeaders(cfg.TrustProxyHeaders)
	if len(cfg.BenchTokens) == 0 {
		logger.Printf("warn: no bench tokens configured - anyone who can reach the server can start runs")
	}
	return middleware.Chain(mux,
		middleware.SecurityHeaders(),
		middleware.VersionHeader(version),
		middleware.RequestIDMiddleware(),
		middleware.Recover(logger),
		middleware.Logging(logger),
		middleware.CORS(),
		middleware.RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimiterTTL, logger, probePaths),
		middleware.TokenGuard(cfg.BenchTokens, logger),
	)
}
