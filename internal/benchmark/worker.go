package benchmark

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"benchmark-harness/internal/pool"
)

type worker struct {
	id             int
	requests       int
	pool           *pool.Pool
	req            Requester
	limiter        *rate.Limiter
	acquireTimeout time.Duration
	events         chan<- outcome
}

// run issues w.requests exchanges one after another. It returns early only
// when ctx is done; a failed request is reported and the loop moves on.
func (w *worker) run(ctx context.Context) error {
	for i := 0; i < w.requests; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
		}
		ev := w.iterate(ctx)
		if ev.err != nil && ctx.Err() != nil {
			// cancelled mid-request: not a target failure
			return ctx.Err()
		}
		w.events <- ev
	}
	return nil
}

func (w *worker) iterate(ctx context.Context) outcome {
	actx := ctx
	if w.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, w.acquireTimeout)
		defer cancel()
	}
	h, err := w.pool.Acquire(actx)
	if err != nil {
		return outcome{err: fmt.Errorf("acquire: %w", err)}
	}
	return w.exchange(ctx, h)
}

// exchange owns h until it returns. The handle goes back to the pool on
// every path, including a panicking requester.
func (w *worker) exchange(ctx context.Context, h *pool.Handle) (ev outcome) {
	defer w.pool.Release(h)
	defer func() {
		if rec := recover(); rec != nil {
			ev = outcome{err: fmt.Errorf("request panicked: %v", rec)}
		}
		if ev.err != nil {
			h.Discard()
		}
	}()
	conn, err := h.Conn(ctx)
	if err != nil {
		return outcome{err: err}
	}
	ex, err := w.req.Do(conn)
	if err != nil {
		return outcome{err: err}
	}
	if !ex.Reusable {
		h.Discard()
	}
	return outcome{latency: ex.Latency, status: ex.StatusCode}
}
