package handlers

import (
	"net/http"
	"time"

	"benchmark-harness/internal/metrics"
)

// TargetPolicy lists the effective allow and block rules.
func (a *API) TargetPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondMethodNotAllowed(w, http.MethodGet)
		return
	}
	if a.Policy == nil {
		respondJSON(w, http.StatusOK, map[string]any{"allow": []string{}, "block": []string{}})
		return
	}
	allow, block, updated := a.Policy.Snapshot()
	if allow == nil {
		allow = []string{}
	}
	if block == nil {
		block = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"allow":      allow,
		"block":      block,
		"updated_at": updated.Format(time.RFC3339),
	})
}

// ReloadTargetPolicy re-reads the allow and block list files.
func (a *API) ReloadTargetPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondMethodNotAllowed(w, http.MethodPost)
		return
	}
	if a.Policy == nil {
		respondError(w, http.StatusServiceUnavailable, "target policy not initialized")
		return
	}
	if err := a.Policy.Load(); err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("failure").Inc()
		a.Logger.Printf("error: target policy reload: %v", err)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.PolicyReloadsTotal.WithLabelValues("success").Inc()
	allow, block, _ := a.Policy.Snapshot()
	a.Logger.Printf("target policy reloaded allow=%d block=%d", len(allow), len(block))
	respondJSON(w, http.StatusOK, map[string]any{"reloaded": true, "allow": len(allow), "block": len(block)})
}
