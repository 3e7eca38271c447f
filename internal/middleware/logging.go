package middleware

import (
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"benchmark-harness/internal/metrics"
)

// recorder captures what the wrapped handler wrote.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *recorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *recorder) code() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// Logging writes one access-log line per request and feeds the HTTP metrics.
// Metric series are labelled by the matched mux pattern, not the raw path,
// so run ids never become label values.
func Logging(logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rw := &recorder{ResponseWriter: w}
			next.ServeHTTP(rw, r)
			took := time.Since(began)
			status := rw.code()

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(r.Method, route, http.StatusText(status), took, status)

			line := r.Method + " " + r.URL.Path
			if rid := RequestID(r); rid != "" {
				logger.Printf("%s %d %dB %s ip=%s rid=%s", line, status, rw.bytes, took, clientIP(r), rid)
				return
			}
			logger.Printf("%s %d %dB %s ip=%s", line, status, rw.bytes, took, clientIP(r))
		})
	}
}

// Recover turns a handler panic into a JSON 500 and logs the stack.
func Recover(logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Printf("error: panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
