// Package pool keeps a fixed set of pre-dialed connections to one benchmark
// target. A Handle is owned either by the pool (idle) or by exactly one
// caller between Acquire and Release.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"benchmark-harness/internal/metrics"
)

var (
	// ErrNoConnections is returned by New when not a single dial succeeded.
	ErrNoConnections = errors.New("pool: no connection to target could be established")
	// ErrEmpty is returned by Acquire on a pool with zero slots instead of
	// blocking forever.
	ErrEmpty = errors.New("pool: pool has no slots")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	Address string // host:port
	Size    int
	Dialer  Dialer
	Logger  *log.Logger
}

type Pool struct {
	addr   string
	dialer Dialer
	logger *log.Logger

	idle    chan *Handle
	handles []*Handle
	inUse   atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// New dials opts.Size connections one after another. Failed dials are logged
// and skipped, so Size() may end up smaller than requested.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	p := &Pool{
		addr:   opts.Address,
		dialer: opts.Dialer,
		logger: opts.Logger,
		closed: make(chan struct{}),
	}
	for i := 0; i < opts.Size; i++ {
		if err := ctx.Err(); err != nil {
			p.closeHandles()
			return nil, err
		}
		conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
		if err != nil {
			metrics.PoolDialFailuresTotal.Inc()
			p.logger.Printf("warn: pool: skipping connection %d/%d to %s: %v", i+1, opts.Size, p.addr, err)
			continue
		}
		p.handles = append(p.handles, &Handle{id: len(p.handles), conn: conn, pool: p})
	}
	p.idle = make(chan *Handle, len(p.handles))
	for _, h := range p.handles {
		p.idle <- h
	}
	if len(p.handles) == 0 && opts.Size > 0 {
		return nil, ErrNoConnections
	}
	if len(p.handles) < opts.Size {
		p.logger.Printf("warn: pool: %s running with %d of %d connections", p.addr, len(p.handles), opts.Size)
	}
	return p, nil
}

// Acquire returns an idle handle, blocking until one is released. It only
// gives up when ctx is done or the pool is closed.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if len(p.handles) == 0 {
		return nil, ErrEmpty
	}
	select {
	case h := <-p.idle:
		p.inUse.Add(1)
		return h, nil
	default:
	}
	select {
	case h := <-p.idle:
		p.inUse.Add(1)
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrClosed
	}
}

// Release gives h back to the pool and wakes one waiter. It never blocks.
// Releasing a handle that was not acquired is undefined.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.inUse.Add(-1)
	select {
	case p.idle <- h:
	default:
		// more releases than slots: the caller broke the contract
		p.inUse.Add(1)
		p.logger.Printf("error: pool: release of handle %d overflowed the pool", h.id)
	}
}

// Size is the number of slots that were successfully dialed.
func (p *Pool) Size() int { return len(p.handles) }

// Available is the number of idle handles.
func (p *Pool) Available() int { return len(p.idle) }

// InUse is the number of handles currently checked out.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Close closes every connection, idle or not. Blocked Acquire calls return
// ErrClosed.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.closeHandles()
	})
	return err
}

func (p *Pool) closeHandles() error {
	var errs []error
	for _, h := range p.handles {
		if err := h.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle is one pool slot. Its connection may be discarded and redialed
// without the slot leaving the pool.
type Handle struct {
	id   int
	pool *Pool

	mu   sync.Mutex
	conn net.Conn
}

func (h *Handle) ID() int { return h.id }

// Conn returns the slot's connection, dialing a fresh one if the previous
// connection was discarded.
func (h *Handle) Conn(ctx context.Context) (net.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		return h.conn, nil
	}
	conn, err := h.pool.dialer.DialContext(ctx, "tcp", h.pool.addr)
	if err != nil {
		return nil, fmt.Errorf("redial %s: %w", h.pool.addr, err)
	}
	h.conn = conn
	return conn, nil
}

// Discard closes the current connection. The next Conn call redials.
func (h *Handle) Discard() {
	_ = h.close()
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}
