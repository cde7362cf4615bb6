package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/startab/startab/internal/state"
)

// fakeService mimics the sync service endpoints with a single in-memory
// account.
type fakeService struct {
	email    string
	password string
	token    string
	snapshot *state.Snapshot
	pushes   int
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Email == "" || len(creds.Password) < 8 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email or password"})
			return
		}
		if f.email == creds.Email {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "email already registered"})
			return
		}
		f.email, f.password, f.token = creds.Email, creds.Password, "tok-register"
		writeJSON(w, http.StatusCreated, map[string]string{"token": f.token, "email": f.email})
	})

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Email != f.email || creds.Password != f.password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		f.token = "tok-login"
		writeJSON(w, http.StatusOK, map[string]string{"token": f.token, "email": f.email})
	})

	mux.HandleFunc("GET /api/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": f.snapshot})
	})

	mux.HandleFunc("POST /api/sync/push", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var snap state.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
			return
		}
		f.pushes++
		snap.UpdatedAt = time.Now().UnixMilli()
		f.snapshot = &snap
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "updatedAt": snap.UpdatedAt})
	})

	return mux
}

func (f *fakeService) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return f.token != "" && strings.TrimPrefix(auth, "Bearer ") == f.token
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// setupClient wires a client, store, and fake service together.
func setupClient(t *testing.T) (*Client, *state.Store, *fakeService) {
	t.Helper()

	s, err := state.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("Failed to seed defaults: %v", err)
	}

	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	config := DefaultConfig()
	config.Logger = log.New(io.Discard, "", 0)
	return New(srv.URL, s, config), s, svc
}

func TestRegisterStoresSession(t *testing.T) {
	c, s, _ := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	token, email, _ := s.Session(ctx)
	if token != "tok-register" || email != "a@b.c" {
		t.Errorf("session = %q/%q after register", token, email)
	}
	if ok, _ := c.IsAuthenticated(ctx); !ok {
		t.Error("IsAuthenticated() = false after register")
	}
}

func TestRegisterConflictAndValidation(t *testing.T) {
	c, _, _ := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(ctx, "a@b.c", "password123"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Register() error = %v, want ErrAlreadyExists", err)
	}
	if err := c.Register(ctx, "b@c.d", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("short-password Register() error = %v, want ErrInvalidInput", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	c, s, _ := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if err := c.Login(ctx, "a@b.c", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if token, _, _ := s.Session(ctx); token != "" {
		t.Errorf("failed login stored a session: %q", token)
	}

	if err := c.Login(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
}

func TestPullEmptyAccount(t *testing.T) {
	c, s, _ := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	snap, err := c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if snap != nil {
		t.Errorf("Pull() on empty account = %+v, want nil", snap)
	}

	// No data means no completed sync; status must not claim one.
	if _, ok, _ := s.LastSync(ctx); ok {
		t.Error("LastSync stamped by a pull that returned no data")
	}
}

func TestPushThenPullRoundTrip(t *testing.T) {
	c, s, svc := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	local, err := s.Local(ctx)
	if err != nil {
		t.Fatalf("Local() error = %v", err)
	}
	local.BackgroundURL = "https://example.com/bg.jpg"

	updatedAt, err := c.Push(ctx, local)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if updatedAt == 0 {
		t.Error("Push() returned zero updatedAt")
	}
	if svc.pushes != 1 {
		t.Errorf("service saw %d pushes, want 1", svc.pushes)
	}

	snap, err := c.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if snap == nil {
		t.Fatal("Pull() after push returned nil snapshot")
	}
	if snap.BackgroundURL != "https://example.com/bg.jpg" {
		t.Errorf("pulled background URL = %q", snap.BackgroundURL)
	}
	if snap.UpdatedAt != updatedAt {
		t.Errorf("pulled updatedAt = %d, push reported %d", snap.UpdatedAt, updatedAt)
	}
	if _, ok, _ := s.LastSync(ctx); !ok {
		t.Error("LastSync unset after a pull that returned data")
	}
}

func TestExpiredSessionLogsOut(t *testing.T) {
	c, s, svc := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// Simulate server-side token expiry.
	svc.token = "rotated"

	if _, err := c.Pull(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Pull() error = %v, want ErrUnauthorized", err)
	}
	if token, _, _ := s.Session(ctx); token != "" {
		t.Errorf("rejected session not cleared: %q", token)
	}
	if _, ok, _ := s.LastSync(ctx); ok {
		t.Error("LastSync survives implicit logout")
	}

	if _, err := c.Pull(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Pull() without session error = %v, want ErrNotAuthenticated", err)
	}
}

func TestLogoutIsLocalOnly(t *testing.T) {
	c, s, svc := setupClient(t)
	ctx := context.Background()

	if err := c.Register(ctx, "a@b.c", "password123"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	serverToken := svc.token

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if token, _, _ := s.Session(ctx); token != "" {
		t.Errorf("session survives logout: %q", token)
	}
	if svc.token != serverToken {
		t.Error("logout contacted the server")
	}
}
