package target

import (
	"io"
	"log"
	"sync"
	"time"

	"benchmark-harness/internal/metrics"
)

const maxRefreshBackoff = time.Hour

// Refresher periodically reloads a Policy's list files. Failed reloads keep
// the previous rules and are retried with exponential backoff.
type Refresher struct {
	Policy   *Policy
	Interval time.Duration
	Logger   *log.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu                  sync.Mutex // serialises manual and background reloads
	consecutiveFailures int
}

func NewRefresher(p *Policy, interval time.Duration, logger *log.Logger) *Refresher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Refresher{
		Policy:   p,
		Interval: interval,
		Logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background loop. A non-positive Interval disables it.
func (r *Refresher) Start() {
	if r.Interval <= 0 {
		close(r.doneCh)
		return
	}
	go r.loop()
}

// Stop signals termination and waits for the loop to exit.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Refresher) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	var backoff time.Duration
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.RefreshNow() {
				if backoff != 0 {
					backoff = 0
					ticker.Reset(r.Interval)
				}
				continue
			}
			if backoff == 0 {
				backoff = r.Interval
			} else {
				backoff *= 2
			}
			if backoff > maxRefreshBackoff {
				backoff = maxRefreshBackoff
			}
			ticker.Reset(backoff)
			r.Logger.Printf("warn: target policy: retry scheduled in %s", backoff)
		}
	}
}

// RefreshNow reloads synchronously and reports success.
func (r *Refresher) RefreshNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Policy.Load(); err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("failure").Inc()
		r.consecutiveFailures++
		r.Logger.Printf("error: target policy: reload failed (%d in a row): %v", r.consecutiveFailures, err)
		return false
	}
	metrics.PolicyReloadsTotal.WithLabelValues("success").Inc()
	r.consecutiveFailures = 0
	return true
}
