package middleware

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func init() {
	// tests address clients through X-Forwarded-For
	SetTrustProxyHeaders(true)
}

func doReq(h http.Handler, method, path, ip string) int {
	req := httptest.NewRequest(method, "http://harness.local"+path, nil)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterBurstExhaustion(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	// rps=1, burst=1 so only first immediate request allowed.
	h := Chain(final, RateLimiter(1, 1, time.Minute, logger, nil))

	if code := doReq(h, http.MethodPost, "/api/benchmark", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("expected first request 200, got %d", code)
	}
	if code := doReq(h, http.MethodPost, "/api/benchmark", "1.2.3.4"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request 429, got %d", code)
	}
	// Different IP should have its own bucket
	if code := doReq(h, http.MethodPost, "/api/benchmark", "5.6.7.8"); code != http.StatusOK {
		t.Fatalf("expected different IP request 200, got %d", code)
	}
}

func TestRateLimiterBucketEviction(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	ttl := 100 * time.Millisecond
	h := Chain(final, RateLimiter(1, 1, ttl, logger, nil))

	if code := doReq(h, http.MethodGet, "/api/runs", "9.9.9.9"); code != http.StatusOK {
		t.Fatalf("expected initial request 200, got %d", code)
	}
	if code := doReq(h, http.MethodGet, "/api/runs", "9.9.9.9"); code != http.StatusTooManyRequests {
		t.Fatalf("expected immediate second request 429, got %d", code)
	}
	// Wait long enough for eviction goroutine to cull the entry
	time.Sleep(3 * ttl)
	if code := doReq(h, http.MethodGet, "/api/runs", "9.9.9.9"); code != http.StatusOK {
		t.Fatalf("expected request after eviction 200, got %d", code)
	}
}

func TestRateLimiterExemptPaths(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Chain(final, RateLimiter(1, 1, time.Minute, logger, []string{"/healthz"}))

	for i := 0; i < 3; i++ {
		if code := doReq(h, http.MethodGet, "/healthz", "1.2.3.4"); code != http.StatusOK {
			t.Fatalf("exempt path limited on attempt %d: %d", i, code)
		}
	}
	for i := 0; i < 3; i++ {
		if code := doReq(h, http.MethodOptions, "/api/benchmark", "1.2.3.4"); code != http.StatusOK {
			t.Fatalf("preflight limited on attempt %d: %d", i, code)
		}
	}
	if code := doReq(h, http.MethodPost, "/api/benchmark", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("exempt traffic consumed the bucket: %d", code)
	}
	if code := doReq(h, http.MethodPost, "/api/benchmark", "1.2.3.4"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
}

func TestIPLimiterSweep(t *testing.T) {
	l := newIPLimiter(1, 1, time.Minute)
	base := time.Unix(1_700_000_000, 0)
	l.allow("a", base)
	l.allow("b", base.Add(50*time.Second))
	if n := l.sweep(base.Add(90 * time.Second)); n != 1 {
		t.Fatalf("expected 1 bucket after sweep, got %d", n)
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Fatalf("recently seen bucket was dropped")
	}
	// a fresh bucket starts full again
	if !l.allow("a", base.Add(91*time.Second)) {
		t.Fatalf("evicted client should get a new bucket")
	}
}

func TestRetryAfter(t *testing.T) {
	if got := newIPLimiter(0.25, 1, time.Minute).retryAfter(); got != "4" {
		t.Fatalf("expected 4, got %s", got)
	}
	if got := newIPLimiter(50, 1, time.Minute).retryAfter(); got != "1" {
		t.Fatalf("expected 1, got %s", got)
	}
}
