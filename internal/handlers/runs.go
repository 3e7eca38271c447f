package handlers

import (
	"net/http"
	"strconv"
)

const defaultRunListLimit = 20

// ListRuns returns recent runs, newest first. ?limit=N caps the count.
func (a *API) ListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondMethodNotAllowed(w, http.MethodGet)
		return
	}
	if a.Runs == nil {
		respondJSON(w, http.StatusOK, map[string]any{"runs": []any{}, "count": 0})
		return
	}
	limit := defaultRunListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	runs := a.Runs.List(limit)
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs), "total": a.Runs.Len()})
}

// RunByID serves GET and DELETE on a single stored run.
func (a *API) RunByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		if a.Runs != nil {
			if rep, ok := a.Runs.Get(id); ok {
				respondJSON(w, http.StatusOK, rep)
				return
			}
		}
		writeAPIError(w, http.StatusNotFound, "not_found", "run not found", map[string]any{"id": id})
	case http.MethodDelete:
		if a.Runs == nil || !a.Runs.Delete(id) {
			writeAPIError(w, http.StatusNotFound, "not_found", "run not found", map[string]any{"id": id})
			return
		}
		respondJSON(w, http.StatusNoContent, nil)
	default:
		respondMethodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}
