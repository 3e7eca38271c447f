package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	"benchmark-harness/internal/benchmark"
	"benchmark-harness/internal/config"
	"benchmark-harness/internal/handlers"
	"benchmark-harness/internal/metrics"
	"benchmark-harness/internal/router"
	"benchmark-harness/internal/storage"
	"benchmark-harness/internal/target"
	slogadapter "benchmark-harness/internal/util/logadapter"
)

var version string

func main() {
	// version is injected via -ldflags "-X main.version=..."
	if version == "" {
		version = "dev"
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			return slog.Attr{Key: a.Key, Value: slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))}
		}
		return a
	}})
	rootLogger := slog.New(handler)
	logger := slogadapter.New(rootLogger)

	// variables already set in the environment win over .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		rootLogger.Warn("dotenv load failed", slog.String("error", err.Error()))
	}

	cfg := config.Load(logger)
	red := cfg.Redacted()
	rootLogger.Info("effective_config",
		slog.String("port", red.Port),
		slog.Int("max_connections", red.MaxConnections),
		slog.Float64("rate_limit_rps", red.RateLimitRPS),
		slog.Int("rate_limit_burst", red.RateLimitBurst),
		slog.Bool("trust_proxy_headers", red.TrustProxyHeaders),
		slog.Any("bench_tokens", red.BenchTokens),
		slog.Int("max_workers", red.MaxWorkers),
		slog.Int("max_requests_per_worker", red.MaxRequestsPerWorker),
		slog.Int("max_concurrent_runs", red.MaxConcurrentRuns),
		slog.Int("pool_per_worker", red.PoolPerWorker),
		slog.Bool("pool_squared", red.PoolSquared),
		slog.Int("max_pool_size", red.MaxPoolSize),
		slog.String("connect_timeout", red.ConnectTimeout.String()),
		slog.String("acquire_timeout", red.AcquireTimeout.String()),
		slog.String("read_timeout", red.ReadTimeout.String()),
		slog.String("run_timeout", red.RunTimeout.String()),
		slog.String("default_connection", red.DefaultConnection),
		slog.Int("history_size", red.HistorySize),
		slog.Bool("target_block_private", red.TargetBlockPrivate),
		slog.String("target_policy_refresh", red.TargetRefresh.String()),
	)
	metrics.Register()

	policy, err := target.NewPolicy(target.Options{
		AllowHosts:   cfg.TargetAllowHosts,
		BlockHosts:   cfg.TargetBlockHosts,
		AllowFile:    cfg.TargetAllowFile,
		BlockFile:    cfg.TargetBlockFile,
		BlockPrivate: cfg.TargetBlockPrivate,
		AllowPorts:   cfg.TargetAllowPorts,
		Logger:       slogadapter.NewComponent(rootLogger, "target"),
	})
	if err != nil {
		rootLogger.Error("target policy load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	refresher := target.NewRefresher(policy, cfg.TargetRefresh, slogadapter.NewComponent(rootLogger, "target"))
	refresher.Start()

	runner := benchmark.NewRunner(benchmark.Options{
		Logger: slogadapter.NewComponent(rootLogger, "benchmark"),
		Pool: benchmark.PoolSizing{
			PerWorker: cfg.PoolPerWorker,
			Squared:   cfg.PoolSquared,
			Max:       cfg.MaxPoolSize,
		},
		ConnectTimeout:   cfg.ConnectTimeout,
		AcquireTimeout:   cfg.AcquireTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		RunTimeout:       cfg.RunTimeout,
		MaxResponseBytes: cfg.MaxResponseBytes,
	})
	defaultMode, err := benchmark.ParseConnectionMode(cfg.DefaultConnection, benchmark.KeepAlive)
	if err != nil {
		defaultMode = benchmark.KeepAlive
	}
	api := handlers.New(runner, storage.NewMemoryStore(cfg.HistorySize), policy, logger, handlers.Limits{
		MaxWorkers:           cfg.MaxWorkers,
		MaxRequestsPerWorker: cfg.MaxRequestsPerWorker,
		MaxConcurrentRuns:    cfg.MaxConcurrentRuns,
		DefaultConnection:    defaultMode,
	})
	api.Version = version

	// runs are detached from the requesting client but stop with the server
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()
	api.SetBaseContext(runCtx)

	srv := &http.Server{
		Handler:           router.New(api, logger, cfg, version),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		rootLogger.Error("listen error", slog.String("addr", addr), slog.String("error", err.Error()))
		os.Exit(1)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)

	go func() {
		rootLogger.Info("server starting", slog.String("addr", addr), slog.String("url", "http://127.0.0.1"+addr), slog.String("version", version))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Error("serve error", slog.String("error", err.Error()))
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	for waiting := true; waiting; {
		select {
		case <-reload:
			if refresher.RefreshNow() {
				rootLogger.Info("target policy reloaded")
			}
		case <-stop:
			waiting = false
		}
	}
	rootLogger.Info("shutdown signal received")

	api.Drain()
	refresher.Stop()
	cancelRuns()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		rootLogger.Error("server shutdown error", slog.String("error", err.Error()))
	} else {
		rootLogger.Info("server stopped gracefully")
	}
}
