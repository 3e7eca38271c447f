package main

import (
	"fmt"
	"io"
	"sort"

	"benchmark-harness/internal/stats"
)

func printSummary(w io.Writer, s stats.Summary) {
	fmt.Fprintln(w, "=== Benchmark Summary ===")
	fmt.Fprintf(w, "Total Duration:  %.3f seconds\n", s.DurationS)
	fmt.Fprintf(w, "Total Requests:  %d\n", s.TotalRequests)
	fmt.Fprintf(w, "Failed Requests: %d\n", s.FailedRequests)
	fmt.Fprintf(w, "Throughput:      %.1f requests/second\n", s.ThroughputRPS)
	if s.TotalRequests == 0 {
		fmt.Fprintln(w, "No successful requests completed.")
		return
	}
	fmt.Fprintf(w, "Average Latency: %.3f ms\n", s.AvgLatencyMs)
	fmt.Fprintf(w, "P50 Latency:     %.3f ms\n", s.P50LatencyMs)
	fmt.Fprintf(w, "P95 Latency:     %.3f ms\n", s.P95LatencyMs)
	fmt.Fprintf(w, "P99 Latency:     %.3f ms\n", s.P99LatencyMs)
}

func printStatusCodes(w io.Writer, codes map[int]uint64) {
	if len(codes) == 0 {
		return
	}
	keys := make([]int, 0, len(codes))
	for k := range codes {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fmt.Fprintln(w, "Status codes:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %d: %d\n", k, codes[k])
	}
}
