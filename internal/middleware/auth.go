package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"log"
	"math/big"
	"net/http"
	"time"

	"benchmark-harness/internal/metrics"
)

// TokenHeader carries the bench token on run-starting requests.
const TokenHeader = "X-Bench-Token"

// TokenGuard requires one of tokens on every unsafe request. With no tokens
// configured the guard is open.
//
// Responses:
//
//	401 when header missing
//	403 when header present but invalid
func TokenGuard(tokens []string, logger *log.Logger) Middleware {
	var tokenBytes [][]byte
	for _, t := range tokens {
		if t == "" {
			continue
		}
		tokenBytes = append(tokenBytes, []byte(t))
	}
	return func(next http.Handler) http.Handler {
		if len(tokenBytes) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			supplied := r.Header.Get(TokenHeader)
			if supplied == "" {
				metrics.AuthFailuresTotal.Inc()
				sleepAuth()
				writeError(w, http.StatusUnauthorized, "missing_token", "missing bench token")
				return
			}
			sb := []byte(supplied)
			ok := false
			for _, tb := range tokenBytes {
				if subtle.ConstantTimeCompare(sb, tb) == 1 {
					ok = true
					break
				}
			}
			if !ok {
				metrics.AuthFailuresTotal.Inc()
				if logger != nil {
					logger.Printf("warn: invalid bench token ip=%s", clientIP(r))
				}
				sleepAuth()
				writeError(w, http.StatusForbidden, "invalid_token", "invalid bench token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authDelay is the lower bound of the randomized delay applied to failed
// token checks; tests shrink it.
var authDelay = 50 * time.Millisecond

// sleepAuth slows brute-force attempts by waiting between authDelay and
// 3*authDelay.
func sleepAuth() {
	span := int64(2 * authDelay)
	if span <= 0 {
		return
	}
	if n, err := rand.Int(rand.Reader, big.NewInt(span+1)); err == nil {
		time.Sleep(authDelay + time.Duration(n.Int64()))
		return
	}
	time.Sleep(2 * authDelay)
}

// Writes a unified error JSON shape consistent with handlers.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	payload := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	}
	_ = json.NewEncoder(w).Encode(payload)
}
