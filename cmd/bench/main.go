package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"benchmark-harness/internal/benchmark"
	"benchmark-harness/internal/middleware"
	"benchmark-harness/internal/stats"
)

var (
	flagHost          string
	flagPort          int
	flagWorkers       int
	flagRequests      int
	flagConnection    string
	flagRate          float64
	flagPoolPerWorker int
	flagPoolSquared   bool
	flagReadTimeout   time.Duration
	flagAcquire       time.Duration
	flagVerbose       bool

	flagServer  string
	flagToken   string
	flagJSON    bool
	flagTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "bench",
	Short:         "Synchronous HTTP load generator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a benchmark in-process against a target",
	Args:  cobra.NoArgs,
	RunE:  runLocal,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a benchmark to a running harness server",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, submitCmd} {
		f := c.Flags()
		f.StringVar(&flagHost, "host", "127.0.0.1", "Target host")
		f.IntVar(&flagPort, "port", 8080, "Target port")
		f.IntVarP(&flagWorkers, "workers", "c", 4, "Number of concurrent workers")
		f.IntVarP(&flagRequests, "requests", "n", 1000, "Requests per worker")
		f.StringVar(&flagConnection, "connection", "", "Connection mode: keep-alive or close")
		f.Float64Var(&flagRate, "rate", 0, "Per-worker request rate cap in req/s (0 = unlimited)")
	}
	rf := runCmd.Flags()
	rf.IntVar(&flagPoolPerWorker, "pool-per-worker", 1, "Pooled connections per worker")
	rf.BoolVar(&flagPoolSquared, "pool-squared", false, "Size the pool as workers*workers")
	rf.DurationVar(&flagReadTimeout, "read-timeout", 5*time.Second, "Per-exchange timeout (0 disables)")
	rf.DurationVar(&flagAcquire, "acquire-timeout", 0, "Wait limit for a pooled connection (0 waits forever)")
	rf.BoolVarP(&flagVerbose, "verbose", "v", false, "Log pool and worker events to stderr")

	sf := submitCmd.Flags()
	sf.StringVar(&flagServer, "server", "http://127.0.0.1:8081", "Harness base URL")
	sf.StringVar(&flagToken, "token", os.Getenv("BENCH_TOKEN"), "Bench token sent as "+middleware.TokenHeader)
	sf.BoolVar(&flagJSON, "json", false, "Print the raw JSON response")
	sf.DurationVar(&flagTimeout, "timeout", 10*time.Minute, "Overall request timeout")

	rootCmd.AddCommand(runCmd, submitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runLocal(cmd *cobra.Command, _ []string) error {
	mode, err := benchmark.ParseConnectionMode(flagConnection, benchmark.KeepAlive)
	if err != nil {
		return err
	}
	cfg := benchmark.Config{
		TargetHost:        flagHost,
		TargetPort:        flagPort,
		Workers:           flagWorkers,
		RequestsPerWorker: flagRequests,
		Connection:        mode,
		RateLimit:         flagRate,
	}
	logger := log.New(io.Discard, "", 0)
	if flagVerbose {
		logger = log.New(os.Stderr, "bench ", log.LstdFlags|log.Lmicroseconds)
	}
	runner := benchmark.NewRunner(benchmark.Options{
		Logger:         logger,
		Pool:           benchmark.PoolSizing{PerWorker: flagPoolPerWorker, Squared: flagPoolSquared},
		ConnectTimeout: 5 * time.Second,
		AcquireTimeout: flagAcquire,
		ReadTimeout:    flagReadTimeout,
	})

	// Ctrl-C stops the run and still prints what was collected
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rep, err := runner.Run(ctx, cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Target:      %s (%s)\n", cfg.Address(), cfg.Connection)
	fmt.Fprintf(out, "Workers:     %d x %d requests, pool %d\n", cfg.Workers, cfg.RequestsPerWorker, rep.PoolSize)
	printSummary(out, rep.Summary)
	printStatusCodes(out, rep.StatusCodes)
	if rep.Partial {
		fmt.Fprintln(out, "Run was interrupted; results are partial.")
	}
	if rep.FirstError != "" {
		fmt.Fprintf(out, "First error: %s\n", rep.FirstError)
	}
	return nil
}

type submitPayload struct {
	NumThreads        int     `json:"num_threads"`
	RequestsPerThread int     `json:"requests_per_thread"`
	TargetHost        string  `json:"target_host"`
	TargetPort        int     `json:"target_port"`
	Connection        string  `json:"connection,omitempty"`
	RateLimit         float64 `json:"rate_limit,omitempty"`
}

type submitResult struct {
	TotalRequests  uint64  `json:"total_requests"`
	FailedRequests uint64  `json:"failed_requests"`
	Throughput     float64 `json:"throughput"`
	AvgLatency     float64 `json:"avg_latency"`
	P50Latency     float64 `json:"p50_latency"`
	P95Latency     float64 `json:"p95_latency"`
	P99Latency     float64 `json:"p99_latency"`
	Duration       float64 `json:"duration"`
}

func (r submitResult) summary() stats.Summary {
	return stats.Summary{
		TotalRequests:  r.TotalRequests,
		FailedRequests: r.FailedRequests,
		ThroughputRPS:  r.Throughput,
		AvgLatencyMs:   r.AvgLatency,
		P50LatencyMs:   r.P50Latency,
		P95LatencyMs:   r.P95Latency,
		P99LatencyMs:   r.P99Latency,
		DurationS:      r.Duration,
	}
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	body, err := json.Marshal(submitPayload{
		NumThreads:        flagWorkers,
		RequestsPerThread: flagRequests,
		TargetHost:        flagHost,
		TargetPort:        flagPort,
		Connection:        flagConnection,
		RateLimit:         flagRate,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()
	res, runID, raw, err := submit(ctx, http.DefaultClient, flagServer, flagToken, body)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if flagJSON {
		_, err := out.Write(raw)
		return err
	}
	if runID != "" {
		fmt.Fprintf(out, "Run:         %s\n", runID)
	}
	printSummary(out, res.summary())
	return nil
}

// submit posts body to the harness and decodes the summary. Non-200
// responses are returned as errors carrying the server's error message.
func submit(ctx context.Context, client *http.Client, server, token string, body []byte) (submitResult, string, []byte, error) {
	var res submitResult
	endpoint := strings.TrimRight(server, "/") + "/api/benchmark"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return res, "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(middleware.TokenHeader, token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, "", nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return res, "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Code != "" {
			return res, "", raw, fmt.Errorf("server returned %d %s: %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return res, "", raw, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, "", raw, errors.New("decode response: " + err.Error())
	}
	return res, resp.Header.Get("X-Run-ID"), raw, nil
}
