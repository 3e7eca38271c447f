package benchmark

import (
	"time"

	"benchmark-harness/internal/metrics"
)

// outcome is what a worker reports for one iteration.
type outcome struct {
	latency time.Duration
	status  int
	err     error
}

// sampleHint caps the up-front allocation for the sample slice.
const sampleHint = 1 << 20

// collector is owned by a single goroutine; workers only talk to it over
// the events channel.
type collector struct {
	total       uint64
	failed      uint64
	samples     []float64
	statusCodes map[int]uint64
	firstErr    error
}

func newCollector(expected int) *collector {
	if expected > sampleHint || expected < 0 {
		expected = sampleHint
	}
	return &collector{
		samples:     make([]float64, 0, expected),
		statusCodes: make(map[int]uint64),
	}
}

func (c *collector) run(events <-chan outcome) {
	for ev := range events {
		c.record(ev)
	}
}

func (c *collector) record(ev outcome) {
	if ev.err != nil {
		c.failed++
		if c.firstErr == nil {
			c.firstErr = ev.err
		}
		metrics.ObserveTarget(false, 0)
		return
	}
	c.total++
	c.samples = append(c.samples, float64(ev.latency.Microseconds())/1000.0)
	c.statusCodes[ev.status]++
	metrics.ObserveTarget(true, ev.latency)
}
