package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestClientSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"errors": []string{"missing token"}}) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"subject": r.URL.Query().Get("subject")}) //nolint:errcheck
	}))
	defer srv.Close()

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "tok-123")
	cfg = CLIConfig{}

	result, err := newClient().get("/v1/audit", url.Values{"subject": {"P"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result["subject"] != "P" {
		t.Errorf("query not forwarded: %v", result)
	}

	t.Setenv("VAULT_TOKEN", "")
	if _, err := newClient().get("/v1/audit", nil); err == nil || err.Error() != "missing token" {
		t.Errorf("expected server error message, got %v", err)
	}
}

func TestParseResponseKeepsSealedHealthBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"sealed": true}) //nolint:errcheck
	}))
	defer srv.Close()

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "")
	cfg = CLIConfig{}

	result, err := newClient().get("/v1/sys/health", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result["sealed"] != true {
		t.Errorf("unexpected body %v", result)
	}
}
