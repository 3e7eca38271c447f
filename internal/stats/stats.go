// Package stats summarises the latency samples and counters of a benchmark
// run: mean, nearest-rank percentiles and throughput.
package stats

import (
	"math"
	"sort"
)

// Summary is the aggregate view of one benchmark run. Latencies are in
// milliseconds, duration in seconds.
type Summary struct {
	TotalRequests  uint64  `json:"total_requests"`
	FailedRequests uint64  `json:"failed_requests"`
	ThroughputRPS  float64 `json:"throughput_rps"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
	DurationS      float64 `json:"duration_s"`
}

// Summarize reduces the counters and latency samples of a run. It does not
// modify samples.
func Summarize(total, failed uint64, samples []float64, durationS float64) Summary {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	s := Summary{
		TotalRequests:  total,
		FailedRequests: failed,
		AvgLatencyMs:   Mean(samples),
		P50LatencyMs:   Percentile(sorted, 50),
		P95LatencyMs:   Percentile(sorted, 95),
		P99LatencyMs:   Percentile(sorted, 99),
		DurationS:      durationS,
	}
	if durationS > 0 && !math.IsInf(durationS, 0) {
		s.ThroughputRPS = float64(total) / durationS
	}
	return s
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// Percentile uses the nearest-rank rule on an ascending slice:
// index floor(n*p/100), clamped to [0, n-1]. No interpolation.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(float64(n) * p / 100))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
