package handlers

import (
	"net/http"
	"time"
)

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (a *API) Live(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondMethodNotAllowed(w, http.MethodGet)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alive": true})
}

// Ready fails once the server has started draining.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondMethodNotAllowed(w, http.MethodGet)
		return
	}
	if a.draining.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type ServiceStatus struct {
	Version           string    `json:"version,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	ActiveRuns        int64     `json:"active_runs"`
	MaxConcurrentRuns int       `json:"max_concurrent_runs"`
	StoredRuns        int       `json:"stored_runs"`
	Draining          bool      `json:"draining"`
	BlockedTargets    int       `json:"blocked_targets"`
	AllowedTargets    int       `json:"allowed_targets"`
	PolicyUpdatedAt   time.Time `json:"policy_updated_at,omitzero"`
}

// Returns quick diagnostic counts.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondMethodNotAllowed(w, http.MethodGet)
		return
	}
	st := ServiceStatus{
		Version:           a.Version,
		StartedAt:         a.started.UTC(),
		UptimeSeconds:     time.Since(a.started).Seconds(),
		ActiveRuns:        a.active.Load(),
		MaxConcurrentRuns: a.limits.MaxConcurrentRuns,
		Draining:          a.draining.Load(),
	}
	if a.Runs != nil {
		st.StoredRuns = a.Runs.Len()
	}
	if a.Policy != nil {
		allow, block, updated := a.Policy.Snapshot()
		st.AllowedTargets = len(allow)
		st.BlockedTargets = len(block)
		st.PolicyUpdatedAt = updated
	}
	respondJSON(w, http.StatusOK, st)
}

// Index describes the service at /.
func (a *API) Index(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		respondMethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"service": "benchmark-harness",
		"version": a.Version,
		"endpoints": []string{
			"POST /api/benchmark",
			"GET /api/runs",
			"GET /api/runs/{id}",
			"GET /api/target-policy",
			"POST /api/target-policy/reload",
			"GET /healthz", "GET /livez", "GET /readyz", "GET /status", "GET /metrics",
		},
	})
}

func (a *API) NotFound(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "Not Found", nil)
}
