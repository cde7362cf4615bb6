package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/startab/startab/internal/state"
	"github.com/startab/startab/internal/syncclient"
)

// fakeRemote is a minimal sync service: one snapshot slot, counters.
type fakeRemote struct {
	mu       sync.Mutex
	snapshot *state.Snapshot
	pulls    int
	pushes   int
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pulls++
		snap := f.snapshot
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": snap})
	})

	mux.HandleFunc("POST /api/sync/push", func(w http.ResponseWriter, r *http.Request) {
		var snap state.Snapshot
		_ = json.NewDecoder(r.Body).Decode(&snap)
		snap.UpdatedAt = time.Now().UnixMilli()
		f.mu.Lock()
		f.pushes++
		f.snapshot = &snap
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "updatedAt": snap.UpdatedAt})
	})

	return mux
}

func (f *fakeRemote) counts() (pulls, pushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls, f.pushes
}

func (f *fakeRemote) stored() *state.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

// setupEngine wires a store, client, and engine against a fake remote
// with short timers. The session is pre-seeded.
func setupEngine(t *testing.T, remote *fakeRemote) (*Engine, *state.Store) {
	t.Helper()

	s, err := state.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("Failed to seed defaults: %v", err)
	}
	if err := s.SetSession(ctx, "tok-test", "a@b.c"); err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}

	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)

	clientConfig := syncclient.DefaultConfig()
	clientConfig.Logger = log.New(io.Discard, "", 0)
	client := syncclient.New(srv.URL, s, clientConfig)

	config := DefaultConfig()
	config.PullInterval = time.Hour
	config.PushDebounce = 50 * time.Millisecond
	config.Logger = log.New(io.Discard, "", 0)

	engine, err := New(s, client, nil, nil, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return engine, s
}

// startEngine runs Start in the background and tears it down with the
// test.
func startEngine(t *testing.T, engine *Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func TestStartupPullAppliesNewerRemote(t *testing.T) {
	remote := &fakeRemote{snapshot: &state.Snapshot{
		BackgroundURL: "https://remote.example/bg.jpg",
		UpdatedAt:     time.Now().UnixMilli(),
	}}
	engine, s := setupEngine(t, remote)

	startEngine(t, engine)
	time.Sleep(400 * time.Millisecond)

	bgURL, err := s.BackgroundURL(context.Background())
	if err != nil {
		t.Fatalf("BackgroundURL() error = %v", err)
	}
	if bgURL != "https://remote.example/bg.jpg" {
		t.Errorf("background URL = %q, want remote value applied", bgURL)
	}

	// The applied snapshot's change events must not echo back as a push.
	_, pushes := remote.counts()
	if pushes != 0 {
		t.Errorf("applied pull caused %d pushes, want 0", pushes)
	}
}

func TestStartupPullKeepsNewerLocal(t *testing.T) {
	remote := &fakeRemote{snapshot: &state.Snapshot{
		BackgroundURL: "https://remote.example/stale.jpg",
		UpdatedAt:     time.Now().Add(-time.Hour).UnixMilli(),
	}}
	engine, s := setupEngine(t, remote)
	ctx := context.Background()

	if err := s.SetBackgroundURL(ctx, "https://local.example/fresh.jpg"); err != nil {
		t.Fatalf("SetBackgroundURL() error = %v", err)
	}

	startEngine(t, engine)
	time.Sleep(400 * time.Millisecond)

	bgURL, _ := s.BackgroundURL(ctx)
	if bgURL != "https://local.example/fresh.jpg" {
		t.Errorf("background URL = %q, stale remote overwrote newer local", bgURL)
	}
}

func TestNullPullDoesNotPush(t *testing.T) {
	remote := &fakeRemote{}
	engine, s := setupEngine(t, remote)
	ctx := context.Background()

	startEngine(t, engine)
	time.Sleep(400 * time.Millisecond)

	// An account that has never pushed must not be seeded by the pull
	// itself. Local state stays untouched.
	pulls, pushes := remote.counts()
	if pulls < 1 {
		t.Fatalf("no pull happened")
	}
	if pushes != 0 {
		t.Fatalf("null pull caused %d pushes, want 0", pushes)
	}
	shortcuts, _ := s.Shortcuts(ctx)
	if len(shortcuts) != 4 {
		t.Errorf("null pull disturbed local state: %d shortcuts", len(shortcuts))
	}

	// The first real mutation seeds the server through the normal
	// debounce path.
	sc := state.Shortcut{ID: state.NewShortcutID(), Title: "Example", URL: "https://example.com"}
	if err := s.AddShortcut(ctx, sc); err != nil {
		t.Fatalf("AddShortcut() error = %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	_, pushes = remote.counts()
	if pushes != 1 {
		t.Fatalf("first mutation caused %d pushes, want 1", pushes)
	}
	snap := remote.stored()
	if snap == nil || len(snap.Shortcuts) != 5 {
		t.Errorf("seeded snapshot = %+v, want 5 shortcuts", snap)
	}
}

func TestExternalWriteReportedViaLocalChanged(t *testing.T) {
	remote := &fakeRemote{}

	// File-backed store so a second handle can write from "outside" the
	// engine's change feed, the way the CLI does.
	path := t.TempDir() + "/state.db"
	s, err := state.Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("Failed to seed defaults: %v", err)
	}
	if err := s.SetSession(ctx, "tok-test", "a@b.c"); err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}

	srv := httptest.NewServer(remote.handler())
	t.Cleanup(srv.Close)
	clientConfig := syncclient.DefaultConfig()
	clientConfig.Logger = log.New(io.Discard, "", 0)
	client := syncclient.New(srv.URL, s, clientConfig)

	config := DefaultConfig()
	config.PullInterval = time.Hour
	config.PushDebounce = 50 * time.Millisecond
	config.Logger = log.New(io.Discard, "", 0)
	engine, err := New(s, client, nil, nil, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	startEngine(t, engine)
	time.Sleep(200 * time.Millisecond)

	other, err := state.Open(path)
	if err != nil {
		t.Fatalf("Failed to open second store handle: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })

	sc := state.Shortcut{ID: state.NewShortcutID(), Title: "External", URL: "https://external.example"}
	if err := other.AddShortcut(ctx, sc); err != nil {
		t.Fatalf("AddShortcut() error = %v", err)
	}

	// The engine's change feed cannot see the other handle's write.
	time.Sleep(300 * time.Millisecond)
	if _, pushes := remote.counts(); pushes != 0 {
		t.Fatalf("unreported external write caused %d pushes", pushes)
	}

	// Reporting it, as the surface /changed endpoint does, schedules
	// the push.
	engine.LocalChanged(state.FieldShortcuts)
	time.Sleep(500 * time.Millisecond)

	if _, pushes := remote.counts(); pushes != 1 {
		t.Fatalf("reported external write caused %d pushes, want 1", pushes)
	}
	snap := remote.stored()
	if snap == nil || len(snap.Shortcuts) != 5 {
		t.Errorf("pushed snapshot = %+v, want the external shortcut included", snap)
	}
}

func TestRapidEditsCoalesceIntoOnePush(t *testing.T) {
	remote := &fakeRemote{snapshot: &state.Snapshot{
		BackgroundURL: "https://remote.example/stale.jpg",
		UpdatedAt:     time.Now().Add(-time.Hour).UnixMilli(),
	}}
	engine, s := setupEngine(t, remote)
	ctx := context.Background()

	// Pre-start edit keeps the stale remote from being applied.
	if err := s.SetBackgroundURL(ctx, "https://local.example/0.jpg"); err != nil {
		t.Fatalf("SetBackgroundURL() error = %v", err)
	}

	startEngine(t, engine)
	time.Sleep(200 * time.Millisecond)
	_, before := remote.counts()

	for i := 0; i < 3; i++ {
		if err := s.SetBackgroundConfig(ctx, state.BackgroundConfig{BlurPx: i, OverlayPercent: 30}); err != nil {
			t.Fatalf("SetBackgroundConfig() error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)

	_, after := remote.counts()
	if got := after - before; got != 1 {
		t.Errorf("3 rapid edits caused %d pushes, want 1", got)
	}
	snap := remote.stored()
	if snap == nil || snap.BackgroundConfig == nil || snap.BackgroundConfig.BlurPx != 2 {
		t.Errorf("pushed snapshot = %+v, want final edit value", snap)
	}
}

func TestWakeTriggersPull(t *testing.T) {
	remote := &fakeRemote{snapshot: &state.Snapshot{
		UpdatedAt: time.Now().Add(-time.Hour).UnixMilli(),
	}}
	engine, s := setupEngine(t, remote)
	if err := s.SetBackgroundURL(context.Background(), "https://local.example/x.jpg"); err != nil {
		t.Fatalf("SetBackgroundURL() error = %v", err)
	}

	startEngine(t, engine)
	time.Sleep(200 * time.Millisecond)
	pullsBefore, _ := remote.counts()

	engine.Wake()
	time.Sleep(300 * time.Millisecond)

	pullsAfter, _ := remote.counts()
	if pullsAfter != pullsBefore+1 {
		t.Errorf("pulls went %d -> %d after Wake, want one more", pullsBefore, pullsAfter)
	}
}

func TestSyncNowPushesImmediately(t *testing.T) {
	remote := &fakeRemote{}
	engine, s := setupEngine(t, remote)
	ctx := context.Background()

	if err := s.SetBackgroundURL(ctx, "https://local.example/manual.jpg"); err != nil {
		t.Fatalf("SetBackgroundURL() error = %v", err)
	}

	if err := engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}

	// Manual sync is a push, not a pull cycle, and waits for nothing.
	pulls, pushes := remote.counts()
	if pulls != 0 || pushes != 1 {
		t.Errorf("SyncNow() made %d pulls and %d pushes, want 0 and 1", pulls, pushes)
	}
	snap := remote.stored()
	if snap == nil || snap.BackgroundURL != "https://local.example/manual.jpg" {
		t.Errorf("pushed snapshot = %+v", snap)
	}
}

func TestUnauthenticatedEngineStaysQuiet(t *testing.T) {
	remote := &fakeRemote{}
	engine, s := setupEngine(t, remote)
	ctx := context.Background()

	if err := s.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}

	startEngine(t, engine)
	if err := s.SetBackgroundURL(ctx, "https://local.example/x.jpg"); err != nil {
		t.Fatalf("SetBackgroundURL() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	pulls, pushes := remote.counts()
	if pulls != 0 || pushes != 0 {
		t.Errorf("logged-out engine made %d pulls and %d pushes", pulls, pushes)
	}
}

func TestAdoptsWatchedShortcutFile(t *testing.T) {
	remote := &fakeRemote{}
	engine, s := setupEngine(t, remote)
	ctx := context.Background()
	if err := s.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}

	path := t.TempDir() + "/shortcuts.json"
	if err := writeShortcutFile(path, nil); err != nil {
		t.Fatalf("Failed to seed shortcuts file: %v", err)
	}
	engine.config.WatchPath = path

	startEngine(t, engine)
	time.Sleep(100 * time.Millisecond)

	edited := []state.Shortcut{{ID: 42, Title: "Edited", URL: "https://edited.example"}}
	if err := writeShortcutFile(path, edited); err != nil {
		t.Fatalf("Failed to write shortcuts file: %v", err)
	}
	time.Sleep(400 * time.Millisecond)

	shortcuts, err := s.Shortcuts(ctx)
	if err != nil {
		t.Fatalf("Shortcuts() error = %v", err)
	}
	if len(shortcuts) != 1 || shortcuts[0].Title != "Edited" {
		t.Errorf("shortcuts after file edit = %+v, want adopted file contents", shortcuts)
	}

	// Adoption is a real local mutation, so it must stamp the clock.
	if _, ok, _ := s.LastLocalUpdate(ctx); !ok {
		t.Error("adopted file edit did not stamp the local update time")
	}
}

func writeShortcutFile(path string, shortcuts []state.Shortcut) error {
	data, err := json.Marshal(shortcuts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
