package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func init() {
	authDelay = 0
}

func TestTokenGuard(t *testing.T) {
	valid := []string{"this_is_a_valid_bench_token_123", "another_valid_bench_token_456"}
	mw := TokenGuard(valid, nil)
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) })
	ts := httptest.NewServer(mw(okHandler))
	defer ts.Close()

	// GET should always pass (no token) as safe method
	resp, err := http.Get(ts.URL + "/api/runs")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("expected 204 for GET got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// POST without token -> 401
	resp, err = http.Post(ts.URL+"/api/benchmark", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 missing token got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// POST with invalid token -> 403
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/benchmark", nil)
	req.Header.Set(TokenHeader, "bad_token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST invalid token error: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 invalid token got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// either configured token is accepted
	for i, tok := range valid {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/benchmark", nil)
		req.Header.Set(TokenHeader, tok)
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST valid token %d error: %v", i, err)
		}
		if resp.StatusCode != 204 {
			t.Fatalf("expected 204 for valid token %d got %d", i, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestTokenGuardOpenWithoutTokens(t *testing.T) {
	mw := TokenGuard(nil, nil)
	hit := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
	req := httptest.NewRequest(http.MethodPost, "/api/benchmark", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !hit {
		t.Fatalf("expected pass-through, got %d hit=%v", rec.Code, hit)
	}
}
