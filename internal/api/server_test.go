package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/hub/internal/auth"
	"github.com/haasonsaas/hub/internal/dispatch"
	"github.com/haasonsaas/hub/internal/llm"
	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/internal/sessionsvc"
	"github.com/haasonsaas/hub/internal/spoke"
	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", storage.DefaultConfig())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authSvc := auth.NewService(store, "test-secret", time.Hour, "device-salt")
	spokes := spoke.NewManager(nil, time.Minute, 16, nil, nil)
	reg := registry.New(store, spokes, time.Minute, nil, nil)
	spokes.SetRegistry(reg)
	dispatcher := dispatch.New(reg, spokes, dispatch.DefaultConfig(), nil, nil)
	gateway := llm.NewGateway(nil, llm.DefaultConfig(), nil, nil)
	sessions := sessionsvc.New(store.Sessions, store.Messages)

	return NewServer(Deps{
		AuthService: authSvc,
		Store:       store,
		Registry:    reg,
		Spokes:      spokes,
		Dispatcher:  dispatcher,
		Gateway:     gateway,
		Sessions:    sessions,
	})
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t)
	rec := doJSON(t, server.Mux(), http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSetupThenLoginThenUsersMe(t *testing.T) {
	server := newTestServer(t)
	mux := server.Mux()

	rec := doJSON(t, mux, http.MethodPost, "/auth/setup", setupRequest{Username: "admin", Password: "secretpw"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 from setup, got %d: %s", rec.Code, rec.Body.String())
	}
	var setupResp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &setupResp); err != nil {
		t.Fatalf("decode setup response: %v", err)
	}
	if setupResp.Token == "" {
		t.Fatal("expected a token from setup")
	}

	// A second setup attempt must be refused.
	rec = doJSON(t, mux, http.MethodPost, "/auth/setup", setupRequest{Username: "someone-else", Password: "whatever"}, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a repeat setup, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", setupRequest{Username: "admin", Password: "wrong"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad password, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", setupRequest{Username: "admin", Password: "secretpw"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d", rec.Code)
	}
	var loginResp authResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	rec = doJSON(t, mux, http.MethodGet, "/users/me", nil, loginResp.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /users/me, got %d: %s", rec.Code, rec.Body.String())
	}
	var me userView
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode /users/me response: %v", err)
	}
	if me.Username != "admin" {
		t.Fatalf("expected admin, got %q", me.Username)
	}
}

func TestUsersMeRequiresAuthentication(t *testing.T) {
	server := newTestServer(t)
	rec := doJSON(t, server.Mux(), http.MethodGet, "/users/me", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a missing bearer token, got %d", rec.Code)
	}
}

func TestSessionPatchRenames(t *testing.T) {
	server := newTestServer(t)
	mux := server.Mux()

	doJSON(t, mux, http.MethodPost, "/auth/setup", setupRequest{Username: "admin", Password: "secretpw"}, "")
	loginRec := doJSON(t, mux, http.MethodPost, "/auth/login", setupRequest{Username: "admin", Password: "secretpw"}, "")
	var loginResp authResponse
	json.Unmarshal(loginRec.Body.Bytes(), &loginResp)

	createRec := doJSON(t, mux, http.MethodPost, "/sessions", createSessionRequest{DeviceID: "device-1"}, loginResp.Token)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating a session, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var created hub.Session
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}

	patchRec := doJSON(t, mux, http.MethodPatch, "/sessions/"+created.ID, patchSessionRequest{Title: "renamed"}, loginResp.Token)
	if patchRec.Code != http.StatusOK {
		t.Fatalf("expected 200 from PATCH /sessions/{id}, got %d: %s", patchRec.Code, patchRec.Body.String())
	}
	var patched hub.Session
	if err := json.Unmarshal(patchRec.Body.Bytes(), &patched); err != nil {
		t.Fatalf("decode patched session: %v", err)
	}
	if patched.Title != "renamed" {
		t.Fatalf("Title = %q, want renamed", patched.Title)
	}

	getRec := doJSON(t, mux, http.MethodGet, "/sessions/"+created.ID, nil, loginResp.Token)
	var fetched hub.Session
	json.Unmarshal(getRec.Body.Bytes(), &fetched)
	if fetched.Title != "renamed" {
		t.Fatalf("expected the rename to persist, got Title = %q", fetched.Title)
	}

	emptyRec := doJSON(t, mux, http.MethodPatch, "/sessions/"+created.ID, patchSessionRequest{Title: "  "}, loginResp.Token)
	if emptyRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a blank title, got %d", emptyRec.Code)
	}
}

func TestNonAdminCannotCreateUsers(t *testing.T) {
	server := newTestServer(t)
	mux := server.Mux()

	doJSON(t, mux, http.MethodPost, "/auth/setup", setupRequest{Username: "admin", Password: "secretpw"}, "")
	// Create a non-admin user and log in as them.
	adminRec := doJSON(t, mux, http.MethodPost, "/auth/login", setupRequest{Username: "admin", Password: "secretpw"}, "")
	var adminResp authResponse
	json.Unmarshal(adminRec.Body.Bytes(), &adminResp)

	createRec := doJSON(t, mux, http.MethodPost, "/users", createUserRequest{Username: "bob", Password: "password1", IsAdmin: false}, adminResp.Token)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected admin to create a user, got %d: %s", createRec.Code, createRec.Body.String())
	}

	bobRec := doJSON(t, mux, http.MethodPost, "/auth/login", setupRequest{Username: "bob", Password: "password1"}, "")
	var bobResp authResponse
	json.Unmarshal(bobRec.Body.Bytes(), &bobResp)

	rec := doJSON(t, mux, http.MethodPost, "/users", createUserRequest{Username: "carol", Password: "password2"}, bobResp.Token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected a non-admin to be forbidden from creating users, got %d", rec.Code)
	}
}
