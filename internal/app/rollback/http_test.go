package rollback

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/boardflow/backend/internal/app/identity"
)

func newHandlerForTests(t *testing.T, store *fakeStore) (*Handler, string) {
	t.Helper()
	svc, _ := newServiceForTests(store)
	identitySvc := &identity.Service{AuthToken: identity.NewTokenManager("test-secret")}
	handler := NewHandler(svc, identitySvc, "http://localhost:8081")

	token, err := identitySvc.AuthToken.Sign("user-1", "alice")
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return handler, token
}

func doRequest(handler *Handler, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)
	return rec
}

func TestRollbackEndpoint_RequiresToken(t *testing.T) {
	handler, _ := newHandlerForTests(t, newFakeStore())

	rec := doRequest(handler, http.MethodPost, "/api/v1/rollback/act-1", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodPost, "/api/v1/rollback/act-1", "not.a.jwt", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestRollbackEndpoint_Success(t *testing.T) {
	store := newFakeStore()
	store.add(completedActivity("act-1", "sess-1", "user-1", updateSnapshot))
	handler, token := newHandlerForTests(t, store)

	rec := doRequest(handler, http.MethodPost, "/api/v1/rollback/act-1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp rollbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || resp.RolledBackActivityID != "act-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Description != "Restored task task-1 to previous state" {
		t.Fatalf("unexpected description: %q", resp.Description)
	}
}

func TestRollbackEndpoint_ErrorMapping(t *testing.T) {
	store := newFakeStore()
	rolledBack := completedActivity("act-done", "sess-1", "user-1", updateSnapshot)
	rolledBack.Status = StatusRolledBack
	store.add(rolledBack)
	foreign := completedActivity("act-foreign", "sess-2", "someone-else", updateSnapshot)
	store.add(foreign)
	handler, token := newHandlerForTests(t, store)

	cases := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown activity", "/api/v1/rollback/missing", http.StatusNotFound},
		{"already rolled back", "/api/v1/rollback/act-done", http.StatusConflict},
		{"foreign activity", "/api/v1/rollback/act-foreign", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(handler, http.MethodPost, tc.target, token, "")
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body["error"] == "" {
				t.Fatal("expected an error message in the body")
			}
		})
	}
}

func TestSessionRollbackEndpoint(t *testing.T) {
	store := newFakeStore()
	store.add(completedActivity("act-a", "sess-1", "user-1",
		`{"operation":"create","entityType":"task","entityId":"task-a"}`))
	store.add(completedActivity("act-b", "sess-1", "user-1",
		`{"operation":"create","entityType":"task","entityId":"task-b"}`))
	handler, token := newHandlerForTests(t, store)

	rec := doRequest(handler, http.MethodPost, "/api/v1/rollback/session/sess-1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionRollbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success || resp.SessionID != "sess-1" || resp.RolledBackCount != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Details) != 2 || resp.Details[0].ActivityID != "act-b" {
		t.Fatalf("unexpected details: %+v", resp.Details)
	}

	rec = doRequest(handler, http.MethodPost, "/api/v1/rollback/session/unknown", token, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestRollbackByMatchEndpoint(t *testing.T) {
	store := newFakeStore()
	act := completedActivity("act-7", "sess-1", "user-1", updateSnapshot)
	store.add(act)
	store.matched = &act
	handler, token := newHandlerForTests(t, store)

	rec := doRequest(handler, http.MethodPost, "/api/v1/rollback/by-match", token,
		`{"sessionId":"sess-1","toolName":"update_task","toolInput":{"taskId":"task-1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp rollbackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.RolledBackActivityID != "act-7" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRollbackByMatchEndpoint_BadRequests(t *testing.T) {
	store := newFakeStore()
	handler, token := newHandlerForTests(t, store)

	rec := doRequest(handler, http.MethodPost, "/api/v1/rollback/by-match", token, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}

	rec = doRequest(handler, http.MethodPost, "/api/v1/rollback/by-match", token,
		`{"toolName":"update_task"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing session, got %d", rec.Code)
	}

	big := `{"sessionId":"sess-1","toolName":"update_task","toolInput":{"blob":"` +
		strings.Repeat("x", DefaultMaxMatchInputBytes) + `"}}`
	rec = doRequest(handler, http.MethodPost, "/api/v1/rollback/by-match", token, big)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized input, got %d", rec.Code)
	}
	if store.matchCalls != 0 {
		t.Fatalf("oversized input must not reach the store, got %d calls", store.matchCalls)
	}
}

func TestCORSHeaders(t *testing.T) {
	handler, _ := newHandlerForTests(t, newFakeStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rollback/act-1", nil)
	req.Header.Set("Origin", "http://127.0.0.1:8081")
	rec := httptest.NewRecorder()
	handler.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	// Loopback aliases of the configured origin are reflected back.
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:8081" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
}
