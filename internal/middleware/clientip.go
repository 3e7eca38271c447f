package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

// trustProxy is set once at startup and read on every request.
var trustProxy atomic.Bool

// SetTrustProxyHeaders makes clientIP honour X-Forwarded-For and X-Real-IP.
// Only enable it behind a proxy that overwrites those headers.
func SetTrustProxyHeaders(v bool) { trustProxy.Store(v) }

func clientIP(r *http.Request) string {
	if trustProxy.Load() {
		if ip := forwardedIP(r.Header); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedIP returns the left-most parseable address from the proxy
// headers, or "".
func forwardedIP(h http.Header) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(h.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return ""
}
