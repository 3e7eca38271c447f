package middleware

import (
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"benchmark-harness/internal/metrics"
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newIPLimiter(rps float64, burst int, ttl time.Duration) *ipLimiter {
	return &ipLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// sweep drops buckets idle for longer than ttl and reports how many remain.
func (l *ipLimiter) sweep(now time.Time) int {
	cutoff := now.Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
	return len(l.buckets)
}

func (l *ipLimiter) janitor() {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for now := range t.C {
		l.sweep(now)
	}
}

// retryAfter is the whole number of seconds until one token refills.
func (l *ipLimiter) retryAfter() string {
	secs := math.Ceil(1 / float64(l.limit))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(int(secs))
}

// RateLimiter limits requests per client IP with x/time/rate buckets. Idle
// buckets are dropped after ttl. Paths in exemptPaths (health probes and
// metrics scrapes) and CORS preflights are never limited.
func RateLimiter(rps float64, burst int, ttl time.Duration, logger *log.Logger, exemptPaths []string) Middleware {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	lim := newIPLimiter(rps, burst, ttl)
	go lim.janitor()

	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		if p = strings.TrimSpace(p); p != "" {
			exempt[p] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if !lim.allow(ip, time.Now()) {
				metrics.RateLimitRejectedTotal.Inc()
				logger.Printf("warn: rate limited ip=%s path=%s", ip, r.URL.Path)
				w.Header().Set("Retry-After", lim.retryAfter())
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
