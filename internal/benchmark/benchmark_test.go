package benchmark

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"benchmark-harness/internal/framer"
	"benchmark-harness/internal/pool"
)

var quiet = log.New(io.Discard, "", 0)

// pipeDialer hands out in-memory connections whose peers are never read.
type pipeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	peers []net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c, s := net.Pipe()
	d.peers = append(d.peers, s)
	return c, nil
}

func (d *pipeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		_ = p.Close()
	}
}

// scriptedRequester fails every nth call it receives.
type scriptedRequester struct {
	n     int
	calls int
}

func (s *scriptedRequester) Do(net.Conn) (framer.Exchange, error) {
	s.calls++
	if s.n > 0 && s.calls%s.n == 0 {
		return framer.Exchange{}, errors.New("broken pipe")
	}
	return framer.Exchange{Latency: time.Millisecond, StatusCode: 200, Reusable: true}, nil
}

type requesterFunc func(net.Conn) (framer.Exchange, error)

func (f requesterFunc) Do(c net.Conn) (framer.Exchange, error) { return f(c) }

func testConfig(workers, requests int) Config {
	return Config{TargetHost: "127.0.0.1", TargetPort: 8080, Workers: workers, RequestsPerWorker: requests}
}

func TestRunCountsPartialFailures(t *testing.T) {
	d := &pipeDialer{}
	defer d.close()
	r := NewRunner(Options{Dialer: d, Logger: quiet})
	r.newRequester = func(Config, int) Requester { return &scriptedRequester{n: 5} }

	rep, err := r.Run(context.Background(), testConfig(4, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Summary.TotalRequests != 32 || rep.Summary.FailedRequests != 8 {
		t.Fatalf("total=%d failed=%d, want 32/8", rep.Summary.TotalRequests, rep.Summary.FailedRequests)
	}
	if rep.Summary.DurationS <= 0 {
		t.Fatalf("duration not measured")
	}
	want := float64(rep.Summary.TotalRequests) / rep.Summary.DurationS
	if math.Abs(rep.Summary.ThroughputRPS-want) > 1e-6*want {
		t.Fatalf("throughput %v, want %v", rep.Summary.ThroughputRPS, want)
	}
	if rep.Summary.AvgLatencyMs != 1 || rep.Summary.P99LatencyMs != 1 {
		t.Fatalf("unexpected latency summary %+v", rep.Summary)
	}
	if rep.Partial || rep.FirstError == "" {
		t.Fatalf("partial=%v first_error=%q", rep.Partial, rep.FirstError)
	}
	if rep.IdleAtFinish != rep.PoolSize {
		t.Fatalf("%d of %d handles back in the pool", rep.IdleAtFinish, rep.PoolSize)
	}
	if rep.StatusCodes[200] != 32 {
		t.Fatalf("status codes %v", rep.StatusCodes)
	}
}

func TestExchangeReleasesHandleOnFailure(t *testing.T) {
	d := &pipeDialer{}
	defer d.close()
	p, err := pool.New(context.Background(), pool.Options{Address: "t:1", Size: 2, Dialer: d, Logger: quiet})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer p.Close()

	cases := map[string]Requester{
		"error": requesterFunc(func(net.Conn) (framer.Exchange, error) {
			return framer.Exchange{}, errors.New("reset by peer")
		}),
		"panic": requesterFunc(func(net.Conn) (framer.Exchange, error) {
			panic("boom")
		}),
		"not reusable": requesterFunc(func(net.Conn) (framer.Exchange, error) {
			return framer.Exchange{StatusCode: 200}, nil
		}),
	}
	for name, req := range cases {
		before := p.Available()
		w := &worker{pool: p, req: req}
		ev := w.iterate(context.Background())
		if name != "not reusable" && ev.err == nil {
			t.Fatalf("%s: expected failure outcome", name)
		}
		if p.Available() != before || p.InUse() != 0 {
			t.Fatalf("%s: available %d -> %d, in use %d", name, before, p.Available(), p.InUse())
		}
	}
	// every discarded connection is redialled lazily: 2 initial + 3 redials at most
	if d.dials > 5 {
		t.Fatalf("unexpected dial count %d", d.dials)
	}
}

func TestRunFailsWithoutConnections(t *testing.T) {
	r := NewRunner(Options{Dialer: &pipeDialer{fail: true}, Logger: quiet})
	_, err := r.Run(context.Background(), testConfig(2, 1))
	if !errors.Is(err, pool.ErrNoConnections) {
		t.Fatalf("expected ErrNoConnections, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	r := NewRunner(Options{Dialer: &pipeDialer{}, Logger: quiet})
	bad := []Config{
		{TargetPort: 80, Workers: 1, RequestsPerWorker: 1},
		{TargetHost: "h", TargetPort: 0, Workers: 1, RequestsPerWorker: 1},
		{TargetHost: "h", TargetPort: 80, Workers: 0, RequestsPerWorker: 1},
		{TargetHost: "h", TargetPort: 80, Workers: 1, RequestsPerWorker: 0},
		{TargetHost: "h", TargetPort: 80, Workers: 1, RequestsPerWorker: 1, Connection: "upgrade"},
		{TargetHost: "h", TargetPort: 80, Workers: 1, RequestsPerWorker: 1, RateLimit: -1},
	}
	for i, cfg := range bad {
		if _, err := r.Run(context.Background(), cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestRunStopsOnTimeout(t *testing.T) {
	d := &pipeDialer{}
	defer d.close()
	r := NewRunner(Options{Dialer: d, Logger: quiet, RunTimeout: 30 * time.Millisecond})
	r.newRequester = func(Config, int) Requester {
		return requesterFunc(func(net.Conn) (framer.Exchange, error) {
			time.Sleep(2 * time.Millisecond)
			return framer.Exchange{Latency: 2 * time.Millisecond, StatusCode: 200, Reusable: true}, nil
		})
	}
	rep, err := r.Run(context.Background(), testConfig(1, 100000))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.Partial {
		t.Fatalf("expected a partial report")
	}
	if rep.Summary.TotalRequests == 0 || rep.Summary.TotalRequests >= 100000 {
		t.Fatalf("unexpected total %d", rep.Summary.TotalRequests)
	}
	if rep.Summary.FailedRequests != 0 {
		t.Fatalf("cancellation counted as failure: %d", rep.Summary.FailedRequests)
	}
}

func TestRunHonoursRateLimit(t *testing.T) {
	d := &pipeDialer{}
	defer d.close()
	r := NewRunner(Options{Dialer: d, Logger: quiet})
	r.newRequester = func(Config, int) Requester { return &scriptedRequester{} }
	cfg := testConfig(2, 3)
	cfg.RateLimit = 50
	rep, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 6 requests at 50/s with a burst of one need at least 100ms
	if rep.Summary.DurationS < 0.09 {
		t.Fatalf("rate limit not applied, run took %.3fs", rep.Summary.DurationS)
	}
}

func TestPoolSizing(t *testing.T) {
	cases := []struct {
		s       PoolSizing
		workers int
		want    int
	}{
		{PoolSizing{}, 4, 4},
		{PoolSizing{PerWorker: 1}, 4, 4},
		{PoolSizing{PerWorker: 3}, 4, 12},
		{PoolSizing{Squared: true}, 4, 16},
		{PoolSizing{Squared: true, Max: 10}, 4, 10},
		{PoolSizing{PerWorker: 2, Max: 5}, 4, 5},
	}
	for _, c := range cases {
		if got := c.s.Size(c.workers); got != c.want {
			t.Errorf("%+v.Size(%d) = %d, want %d", c.s, c.workers, got, c.want)
		}
	}
}

func TestParseConnectionMode(t *testing.T) {
	if m, _ := ParseConnectionMode("", Close); m != Close {
		t.Fatalf("empty should yield default, got %q", m)
	}
	if m, _ := ParseConnectionMode("Keep-Alive", Close); m != KeepAlive {
		t.Fatalf("got %q", m)
	}
	if _, err := ParseConnectionMode("upgrade", KeepAlive); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHostHeader(t *testing.T) {
	if got := (Config{TargetHost: "::1"}).HostHeader(); got != "[::1]" {
		t.Fatalf("got %q", got)
	}
	if got := (Config{TargetHost: "example.com", TargetPort: 8080}).Address(); got != "example.com:8080" {
		t.Fatalf("got %q", got)
	}
}

// startTarget serves a fixed empty 200 response on loopback. With closeEach
// the server hangs up after every response.
func startTarget(t *testing.T, closeEach bool) (port int, accepted *atomic.Int64) {
	t.Helper()
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	if closeEach {
		resp = "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	}
	return serveTarget(t, resp, closeEach)
}

// serveTarget answers every request on loopback with resp.
func serveTarget(t *testing.T, resp string, closeEach bool) (port int, accepted *atomic.Int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	accepted = new(atomic.Int64)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				for {
					for {
						line, err := br.ReadString('\n')
						if err != nil {
							return
						}
						if line == "\r\n" {
							break
						}
					}
					if _, err := io.WriteString(c, resp); err != nil || closeEach {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, accepted
}

func TestRunAgainstStubTarget(t *testing.T) {
	port, accepted := startTarget(t, false)
	r := NewRunner(Options{Logger: quiet, ConnectTimeout: time.Second, ReadTimeout: 5 * time.Second})
	cfg := testConfig(2, 1)
	cfg.TargetPort = port
	rep, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Summary.TotalRequests != 2 || rep.Summary.FailedRequests != 0 {
		t.Fatalf("total=%d failed=%d first_error=%q", rep.Summary.TotalRequests, rep.Summary.FailedRequests, rep.FirstError)
	}
	if rep.PoolSize != 2 || rep.IdleAtFinish != 2 {
		t.Fatalf("pool size %d, idle at finish %d", rep.PoolSize, rep.IdleAtFinish)
	}
	if accepted.Load() != 2 {
		t.Fatalf("keep-alive run opened %d connections", accepted.Load())
	}
}

func TestRunCloseModeRedials(t *testing.T) {
	port, accepted := startTarget(t, true)
	r := NewRunner(Options{Logger: quiet, ConnectTimeout: time.Second, ReadTimeout: 5 * time.Second})
	cfg := testConfig(2, 5)
	cfg.TargetPort = port
	cfg.Connection = Close
	rep, err := r.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Summary.TotalRequests != 10 || rep.Summary.FailedRequests != 0 {
		t.Fatalf("total=%d failed=%d first_error=%q", rep.Summary.TotalRequests, rep.Summary.FailedRequests, rep.FirstError)
	}
	if accepted.Load() < 10 {
		t.Fatalf("expected a fresh connection per request, target saw %d", accepted.Load())
	}
}

func TestRunKeepAliveChunkedTargetDoesNotHang(t *testing.T) {
	port, _ := serveTarget(t, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nok\r\n0\r\n\r\n", false)
	r := NewRunner(Options{Logger: quiet, ConnectTimeout: time.Second, ReadTimeout: 10 * time.Second})
	cfg := testConfig(2, 3)
	cfg.TargetPort = port

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	began := time.Now()
	rep, err := r.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if took := time.Since(began); took > 3*time.Second {
		t.Fatalf("run against an unframed keep-alive target took %s", took)
	}
	if rep.Partial {
		t.Fatalf("run should finish on its own, not by cancellation")
	}
	if rep.Summary.TotalRequests != 0 || rep.Summary.FailedRequests != 6 {
		t.Fatalf("total=%d failed=%d", rep.Summary.TotalRequests, rep.Summary.FailedRequests)
	}
	if !strings.Contains(rep.FirstError, "without Content-Length") {
		t.Fatalf("first error %q", rep.FirstError)
	}
}
