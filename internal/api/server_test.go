package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/org/consentvault/internal/storage"
)

type testEnv struct {
	srv      *Server
	handler  http.Handler
	keys     []string
	operator string
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(storage.NewMemoryBackend(), Config{UnsealThreshold: 3, TokenTTL: time.Hour, ProofProvider: "hmac"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

// newInitializedEnv initializes the vault and registers a patient P,
// clinicians D and R, and an emergency authority A.
func newInitializedEnv(t *testing.T) *testEnv {
	t.Helper()
	srv := newTestServer(t)
	env := &testEnv{srv: srv, handler: srv.BuildRouter()}

	w := doJSON(t, env.handler, "POST", "/v1/sys/init", map[string]any{"secret_shares": 3, "secret_threshold": 2}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("init failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	env.operator = body["operator_token"].(string)
	for _, k := range body["keys"].([]any) {
		env.keys = append(env.keys, k.(string))
	}

	for id, kind := range map[string]string{"P": "patient", "D": "clinician", "R": "clinician", "A": "authority"} {
		w := doJSON(t, env.handler, "POST", "/v1/principals", map[string]any{"id": id, "kind": kind}, env.operator)
		if w.Code != http.StatusOK {
			t.Fatalf("register %s: %d %s", id, w.Code, w.Body.String())
		}
	}
	return env
}

func (e *testEnv) token(t *testing.T, principal string) string {
	t.Helper()
	w := doJSON(t, e.handler, "POST", "/v1/auth/token", map[string]any{"principal_id": principal}, e.operator)
	if w.Code != http.StatusOK {
		t.Fatalf("issue token for %s: %d %s", principal, w.Code, w.Body.String())
	}
	return decodeBody(t, w)["auth"].(map[string]any)["client_token"].(string)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	return decodeBody(t, w)["data"].(map[string]any)
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.BuildRouter()

	w := doJSON(t, handler, "GET", "/v1/sys/health", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (sealed), got %d", w.Code)
	}
	body := decodeBody(t, w)
	if sealed, _ := body["sealed"].(bool); !sealed {
		t.Error("expected sealed=true")
	}
	if initialized, _ := body["initialized"].(bool); initialized {
		t.Error("expected initialized=false")
	}
}

func TestInitAndSealStatus(t *testing.T) {
	env := newInitializedEnv(t)
	if len(env.keys) != 3 || env.operator == "" {
		t.Fatalf("init returned %d keys, operator token %q", len(env.keys), env.operator)
	}

	w := doJSON(t, env.handler, "GET", "/v1/sys/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 after init, got %d", w.Code)
	}
	w = doJSON(t, env.handler, "POST", "/v1/sys/init", map[string]any{"secret_shares": 3, "secret_threshold": 2}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("second init: expected 400, got %d", w.Code)
	}
	status := decodeBody(t, doJSON(t, env.handler, "GET", "/v1/sys/seal-status", nil, ""))
	if status["threshold"].(float64) != 2 {
		t.Errorf("threshold = %v, want 2", status["threshold"])
	}
}

func TestSealAndUnseal(t *testing.T) {
	env := newInitializedEnv(t)

	w := doJSON(t, env.handler, "PUT", "/v1/sys/seal", nil, env.operator)
	if w.Code != http.StatusOK {
		t.Fatalf("seal failed: %d", w.Code)
	}
	if !env.srv.keys.IsSealed() {
		t.Fatal("vault should be sealed after PUT /v1/sys/seal")
	}
	if w := doJSON(t, env.handler, "GET", "/v1/principals", nil, env.operator); w.Code != http.StatusServiceUnavailable {
		t.Errorf("sealed vault should reject requests with 503, got %d", w.Code)
	}

	w = doJSON(t, env.handler, "POST", "/v1/sys/unseal", map[string]any{"key": env.keys[0]}, "")
	if body := decodeBody(t, w); body["sealed"] != true || body["progress"].(float64) != 1 {
		t.Fatalf("after first share: %v", body)
	}
	w = doJSON(t, env.handler, "POST", "/v1/sys/unseal", map[string]any{"key": env.keys[2]}, "")
	if body := decodeBody(t, w); body["sealed"] != false {
		t.Fatalf("after second share: %v", body)
	}

	// The operator token verifies again because the signing key derives from the same root.
	if w := doJSON(t, env.handler, "GET", "/v1/principals", nil, env.operator); w.Code != http.StatusOK {
		t.Errorf("expected 200 after unseal, got %d %s", w.Code, w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	env := newInitializedEnv(t)
	if w := doJSON(t, env.handler, "GET", "/v1/records", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := doJSON(t, env.handler, "GET", "/v1/records", nil, "garbage"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w.Code)
	}
	d := env.token(t, "D")
	if w := doJSON(t, env.handler, "GET", "/v1/principals", nil, d); w.Code != http.StatusForbidden {
		t.Errorf("principal on operator route: expected 403, got %d", w.Code)
	}
	if w := doJSON(t, env.handler, "POST", "/v1/auth/token", map[string]any{"principal_id": "ghost"}, env.operator); w.Code != http.StatusBadRequest {
		t.Errorf("token for unknown principal: expected 400, got %d", w.Code)
	}
}

func TestRecordConsentFlow(t *testing.T) {
	env := newInitializedEnv(t)
	p, d, r := env.token(t, "P"), env.token(t, "D"), env.token(t, "R")
	plaintext := base64.StdEncoding.EncodeToString([]byte("BP 120/80"))

	if w := doJSON(t, env.handler, "POST", "/v1/vaults", nil, p); w.Code != http.StatusOK {
		t.Fatalf("vault init: %d %s", w.Code, w.Body.String())
	}
	w := doJSON(t, env.handler, "POST", "/v1/records", map[string]any{"category": "vitals", "data": plaintext}, p)
	if w.Code != http.StatusOK {
		t.Fatalf("create record: %d %s", w.Code, w.Body.String())
	}
	recordID := decodeBody(t, w)["id"].(string)

	w = doJSON(t, env.handler, "GET", "/v1/records/"+recordID+"/data", nil, p)
	if w.Code != http.StatusOK || decodeBody(t, w)["data"] != plaintext {
		t.Fatalf("owner read failed: %d", w.Code)
	}

	plaintext = base64.StdEncoding.EncodeToString([]byte("BP 118/76"))
	w = doJSON(t, env.handler, "PUT", "/v1/records/"+recordID, map[string]any{"data": plaintext}, p)
	if w.Code != http.StatusOK {
		t.Fatalf("owner update: %d %s", w.Code, w.Body.String())
	}
	if v := dataOf(t, w)["version"].(float64); v != 2 {
		t.Errorf("version after owner update = %v, want 2", v)
	}
	if w := doJSON(t, env.handler, "PUT", "/v1/records/"+recordID, map[string]any{"data": plaintext}, d); w.Code != http.StatusForbidden {
		t.Errorf("update before grant: expected 403, got %d", w.Code)
	}

	if w := doJSON(t, env.handler, "GET", "/v1/records/"+recordID+"/data", nil, d); w.Code != http.StatusForbidden {
		t.Fatalf("read before grant: expected 403, got %d", w.Code)
	}
	if w := doJSON(t, env.handler, "GET", "/v1/records/no-such-record/data", nil, d); w.Code != http.StatusForbidden {
		t.Errorf("missing record must look like consent required, got %d", w.Code)
	}

	w = doJSON(t, env.handler, "POST", "/v1/consent/requests", map[string]any{
		"owner_id": "P",
		"scope":    map[string]any{"operations": []string{"read", "annotate"}, "categories": []string{"vitals"}},
	}, d)
	if w.Code != http.StatusOK {
		t.Fatalf("request access: %d %s", w.Code, w.Body.String())
	}
	requestID := dataOf(t, w)["id"].(string)

	w = doJSON(t, env.handler, "GET", "/v1/consent/requests?status=pending", nil, p)
	if list := decodeBody(t, w)["data"].([]any); len(list) != 1 {
		t.Fatalf("owner should see one pending request, got %d", len(list))
	}
	if w := doJSON(t, env.handler, "POST", "/v1/consent/requests/"+requestID+"/grant", map[string]any{"ttl": "720h"}, d); w.Code != http.StatusForbidden {
		t.Errorf("requester may not grant: expected 403, got %d", w.Code)
	}
	w = doJSON(t, env.handler, "POST", "/v1/consent/requests/"+requestID+"/grant", map[string]any{"ttl": "720h"}, p)
	if w.Code != http.StatusOK {
		t.Fatalf("grant: %d %s", w.Code, w.Body.String())
	}
	grantID := dataOf(t, w)["id"].(string)

	w = doJSON(t, env.handler, "GET", "/v1/records/"+recordID+"/data", nil, d)
	if w.Code != http.StatusOK || decodeBody(t, w)["data"] != plaintext {
		t.Fatalf("read with grant failed: %d", w.Code)
	}

	annotated := base64.StdEncoding.EncodeToString([]byte("BP 118/76, repeat in 1h"))
	w = doJSON(t, env.handler, "PUT", "/v1/records/"+recordID, map[string]any{"data": annotated}, d)
	if w.Code != http.StatusOK {
		t.Fatalf("update with annotate grant: %d %s", w.Code, w.Body.String())
	}
	if v := dataOf(t, w)["version"].(float64); v != 3 {
		t.Errorf("version after grantee update = %v, want 3", v)
	}
	if w := doJSON(t, env.handler, "PUT", "/v1/records/"+recordID, map[string]any{"data": annotated, "emergency_eligible": true}, d); w.Code != http.StatusForbidden {
		t.Errorf("grantee changing eligibility: expected 403, got %d", w.Code)
	}
	if w := doJSON(t, env.handler, "PUT", "/v1/records/"+recordID, map[string]any{"data": annotated}, r); w.Code != http.StatusForbidden {
		t.Errorf("update without grant: expected 403, got %d", w.Code)
	}
	w = doJSON(t, env.handler, "GET", "/v1/records/"+recordID+"/data", nil, p)
	if w.Code != http.StatusOK || decodeBody(t, w)["data"] != annotated {
		t.Errorf("owner should read the annotated content: %d", w.Code)
	}

	if w := doJSON(t, env.handler, "POST", "/v1/consent/grants/"+grantID+"/revoke", nil, p); w.Code != http.StatusOK {
		t.Fatalf("revoke: %d %s", w.Code, w.Body.String())
	}
	if w := doJSON(t, env.handler, "GET", "/v1/records/"+recordID+"/data", nil, d); w.Code != http.StatusForbidden {
		t.Errorf("read after revoke: expected 403, got %d", w.Code)
	}

	// P sees its whole trail; D may not read P's trail but sees its own actions.
	w = doJSON(t, env.handler, "GET", "/v1/audit?subject=P", nil, p)
	if w.Code != http.StatusOK {
		t.Fatalf("audit query: %d", w.Code)
	}
	actions := map[string]int{}
	for _, e := range decodeBody(t, w)["data"].([]any) {
		actions[e.(map[string]any)["action"].(string)]++
	}
	for _, a := range []string{"vault-initialized", "record-created", "grant-requested", "grant-issued", "record-read", "grant-revoked"} {
		if actions[a] != 1 {
			t.Errorf("expected one %s entry, got %d", a, actions[a])
		}
	}
	if actions["record-updated"] != 2 {
		t.Errorf("expected two record-updated entries, got %d", actions["record-updated"])
	}
	if w := doJSON(t, env.handler, "GET", "/v1/audit?subject=P", nil, d); w.Code != http.StatusForbidden {
		t.Errorf("foreign audit trail: expected 403, got %d", w.Code)
	}
	if w := doJSON(t, env.handler, "GET", "/v1/audit?actor=D", nil, d); w.Code != http.StatusOK {
		t.Errorf("own actions: expected 200, got %d", w.Code)
	}
	w = doJSON(t, env.handler, "GET", "/v1/audit/verify/P", nil, p)
	if w.Code != http.StatusOK || decodeBody(t, w)["valid"] != true {
		t.Errorf("chain verify: %d", w.Code)
	}
}

func TestEmergencyReadEndpoint(t *testing.T) {
	env := newInitializedEnv(t)
	p, r := env.token(t, "P"), env.token(t, "R")
	doJSON(t, env.handler, "POST", "/v1/vaults", nil, p)
	w := doJSON(t, env.handler, "POST", "/v1/records", map[string]any{
		"category":           "medication",
		"data":               base64.StdEncoding.EncodeToString([]byte("warfarin 5mg")),
		"emergency_eligible": true,
	}, p)
	recordID := decodeBody(t, w)["id"].(string)

	if w := doJSON(t, env.handler, "POST", "/v1/records/"+recordID+"/emergency", map[string]any{}, r); w.Code != http.StatusBadRequest {
		t.Errorf("missing reason: expected 400, got %d", w.Code)
	}
	w = doJSON(t, env.handler, "POST", "/v1/records/"+recordID+"/emergency", map[string]any{"reason": "cardiac arrest"}, r)
	if w.Code != http.StatusOK {
		t.Fatalf("emergency read: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.handler, "GET", "/v1/audit?subject=P&action=emergency-access", nil, env.operator)
	entries := decodeBody(t, w)["data"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected one emergency-access entry, got %d", len(entries))
	}
	e := entries[0].(map[string]any)
	if e["actor_id"] != "R" || e["payload"].(map[string]any)["reason"] != "cardiac arrest" {
		t.Errorf("unexpected entry %v", e)
	}
}

func TestEmergencyGrantRequiresAuthority(t *testing.T) {
	env := newInitializedEnv(t)
	a, d := env.token(t, "A"), env.token(t, "D")
	body := map[string]any{"owner_id": "P", "grantee_id": "R", "ttl": "1h"}

	if w := doJSON(t, env.handler, "POST", "/v1/consent/emergency", body, d); w.Code != http.StatusForbidden {
		t.Errorf("clinician: expected 403, got %d", w.Code)
	}
	w := doJSON(t, env.handler, "POST", "/v1/consent/emergency", body, a)
	if w.Code != http.StatusOK {
		t.Fatalf("authority: %d %s", w.Code, w.Body.String())
	}
	if g := dataOf(t, w); g["issued_by"] != "A" || g["status"] != "active" {
		t.Errorf("unexpected grant %v", g)
	}
}
