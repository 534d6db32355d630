package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"personadb/internal/sweep"
	"personadb/pkg/config"
	"personadb/pkg/lifecycle"
	"personadb/pkg/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return &Server{
		Store:     st,
		Lifecycle: lifecycle.New(st, nil, 30*time.Minute),
		Sweeper:   sweep.New(st, config.SweepConfig{}),
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestIdentityEndpoints(t *testing.T) {
	s := testServer(t)
	h := s.Router()

	rec, out := doJSON(t, h, http.MethodPost, "/v1/identities", "u1", map[string]any{"alias": "night_owl_42"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	ident := out["identity"].(map[string]any)
	if ident["is_default"] != true {
		t.Fatalf("first identity should be default: %v", ident)
	}
	id := ident["id"].(string)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/identities", "u1", map[string]any{"alias": "NIGHT_owl_42"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate alias: want 409, got %d", rec.Code)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/v1/identities", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	if n := len(out["identities"].([]any)); n != 1 {
		t.Fatalf("want 1 identity, got %d", n)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/v1/identities/check-alias?alias=day_owl", "u1", nil)
	if rec.Code != http.StatusOK || out["available"] != true {
		t.Fatalf("check-alias: %d %v", rec.Code, out)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/v1/identities/"+id, "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	// ownership: another user cannot see it
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/identities/"+id, "u2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user get: want 404, got %d", rec.Code)
	}

	// missing caller
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/identities", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: want 401, got %d", rec.Code)
	}
}

func TestDeleteAndErrorMapping(t *testing.T) {
	s := testServer(t)
	h := s.Router()

	_, out := doJSON(t, h, http.MethodPost, "/v1/identities", "u1", map[string]any{"alias": "only_one"})
	id := out["identity"].(map[string]any)["id"].(string)

	// deleting the last default without force maps to 409
	rec, body := doJSON(t, h, http.MethodDelete, "/v1/identities/"+id, "u1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d %s", rec.Code, rec.Body.String())
	}
	if body["code"] != "NO_REPLACEMENT_DEFAULT" {
		t.Fatalf("error code: %v", body["code"])
	}

	rec, body = doJSON(t, h, http.MethodDelete, "/v1/identities/"+id+"?force=true", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced delete: %d", rec.Code)
	}
	result := body["result"].(map[string]any)
	if result["deletion_type"] != "soft" || result["restorable"] != true {
		t.Fatalf("delete result: %v", result)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/identities/"+id+"/restore", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMessageEndpoints(t *testing.T) {
	s := testServer(t)
	h := s.Router()

	_, out := doJSON(t, h, http.MethodPost, "/v1/identities", "u1", map[string]any{"alias": "chatty"})
	identID := out["identity"].(map[string]any)["id"].(string)
	doJSON(t, h, http.MethodPost, "/v1/identities", "u2", map[string]any{"alias": "quiet"})

	rec, out := doJSON(t, h, http.MethodPost, "/v1/conversations", "u1", map[string]any{
		"identity_id":  identID,
		"type":         "direct",
		"participants": []map[string]any{{"user_id": "u2"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create conversation: %d %s", rec.Code, rec.Body.String())
	}
	convID := out["conversation"].(map[string]any)["id"].(string)

	rec, out = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/conversations/%s/messages", convID), "u1", map[string]any{
		"identity_id": identID,
		"content":     "hello there",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	msgID := out["message"].(map[string]any)["id"].(string)

	rec, _ = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/conversations/%s/messages/%s/read", convID, msgID), "u2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: %d", rec.Code)
	}

	rec, out = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/conversations/%s/messages", convID), "u2", nil)
	if rec.Code != http.StatusOK || len(out["messages"].([]any)) != 1 {
		t.Fatalf("list messages: %d %v", rec.Code, out)
	}

	// non-member gets 403
	rec, _ = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/conversations/%s/messages", convID), "u3", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-member: want 403, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	h := s.Router()
	rec, out := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz: %d %v", rec.Code, out)
	}
}
