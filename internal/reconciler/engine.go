// Package reconciler provides the engine that keeps local state and the
// remote sync service convergent.
//
// The engine:
// 1. Pulls the remote snapshot on start, on a timer, and on wake
// 2. Applies pulled snapshots under last-write-wins
// 3. Watches local changes and pushes them after a debounce window
// 4. Suppresses the pull-apply-push feedback loop with a phase guard
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/startab/startab/internal/assetcache"
	"github.com/startab/startab/internal/background"
	"github.com/startab/startab/internal/state"
	"github.com/startab/startab/internal/syncclient"
)

// Phase is the engine's position in the pull cycle. Local change events
// observed outside Idle were caused by an applied pull and must not be
// pushed back.
type Phase int

const (
	// PhaseIdle means local changes are user edits and may be pushed.
	PhaseIdle Phase = iota
	// PhasePulling means a remote snapshot is being fetched or applied.
	PhasePulling
	// PhaseSettling means an applied snapshot's change events are still
	// draining out of the subscription.
	PhaseSettling
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePulling:
		return "pulling"
	case PhaseSettling:
		return "settling"
	default:
		return "unknown"
	}
}

// Config holds configuration for the engine.
type Config struct {
	// PullInterval is how often to pull the remote snapshot.
	PullInterval time.Duration

	// PushDebounce is how long to wait after the last local change
	// before pushing. This batches rapid edits together.
	PushDebounce time.Duration

	// WatchPath, if set, is a JSON shortcuts file to adopt edits from.
	// External writes to it become ordinary stamped local mutations.
	WatchPath string

	// OnPull is called after each successful pull; applied reports
	// whether the snapshot replaced local state.
	OnPull func(applied bool)

	// OnPush is called after each successful push with the server-side
	// update timestamp in Unix milliseconds.
	OnPush func(updatedAt int64)

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PullInterval: 3 * time.Minute,
		PushDebounce: 2 * time.Second,
		Logger:       log.New(os.Stderr, "[reconciler] ", log.LstdFlags),
	}
}

// Engine orchestrates pulls, pushes, and the guard between them.
type Engine struct {
	store   *state.Store
	client  *syncclient.Client
	cache   *assetcache.Cache
	swapper *background.Swapper
	config  *Config

	watcher *fsnotify.Watcher

	phaseMu sync.Mutex
	phase   Phase

	// pending tracks dirty fields awaiting a push, keyed by last edit.
	pending   map[state.Field]time.Time
	pendingMu sync.Mutex

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. The cache and swapper are optional; when
// present, applied pulls warm icon assets and swap the background.
func New(store *state.Store, client *syncclient.Client, cache *assetcache.Cache, swapper *background.Swapper, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PullInterval <= 0 {
		config.PullInterval = 3 * time.Minute
	}
	if config.PushDebounce <= 0 {
		config.PushDebounce = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconciler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:   store,
		client:  client,
		cache:   cache,
		swapper: swapper,
		config:  config,
		pending: make(map[state.Field]time.Time),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the engine's operation.
//
// The engine will:
// 1. Pull the remote snapshot once at startup
// 2. Pull periodically and whenever Wake is called
// 3. Push debounced local changes while authenticated and idle
// 4. Adopt external edits to the watched shortcuts file, if configured
//
// This blocks until ctx is cancelled or an error occurs.
func (e *Engine) Start(ctx context.Context) error {
	e.config.Logger.Println("Starting sync engine")

	changes, unsubscribe := e.store.Subscribe(64)

	if e.config.WatchPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			unsubscribe()
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := watcher.Add(e.config.WatchPath); err != nil {
			// The file may not exist yet; adoption starts once it does.
			e.config.Logger.Printf("Cannot watch %s: %v", e.config.WatchPath, err)
			_ = watcher.Close()
		} else {
			e.watcher = watcher
			e.wg.Add(1)
			go e.watchShortcutFile()
			e.config.Logger.Printf("Watching: %s", e.config.WatchPath)
		}
	}

	// Initial pull before the loops begin, so a fresh install converges
	// immediately instead of waiting a full interval.
	if err := e.pull(ctx); err != nil {
		e.config.Logger.Printf("Startup pull failed: %v", err)
	}

	e.wg.Add(2)
	go e.pullLoop()
	go e.pushLoop(changes)

	select {
	case <-ctx.Done():
		e.config.Logger.Println("Shutdown signal received")
		unsubscribe()
		return e.Stop()
	case <-e.ctx.Done():
		unsubscribe()
		return nil
	}
}

// Stop gracefully shuts down the engine.
func (e *Engine) Stop() error {
	e.config.Logger.Println("Stopping sync engine")

	e.cancel()
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			e.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	e.wg.Wait()

	e.config.Logger.Println("Sync engine stopped")
	return nil
}

// Wake requests an immediate pull, as when a surface attaches or the
// machine resumes from sleep. Non-blocking; coalesces with a pending
// wake.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Phase returns the engine's current phase.
func (e *Engine) Phase() Phase {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	return e.phase
}

// SyncNow pushes the local state immediately, bypassing the debounce
// window and the phase guard. Intended for explicit user-invoked sync.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.clearPending()
	return e.push(ctx)
}

// LocalChanged records a mutation made by another process against the
// shared database, feeding the same debounced push path as in-process
// edits. The phase guard does not apply: an external write can never be
// the echo of an applied pull.
func (e *Engine) LocalChanged(field state.Field) {
	e.queueChange(field)
}

// pullLoop pulls on the interval timer and on wake requests.
func (e *Engine) pullLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			if err := e.pull(e.ctx); err != nil {
				e.config.Logger.Printf("Periodic pull failed: %v", err)
			}

		case <-e.wake:
			if err := e.pull(e.ctx); err != nil {
				e.config.Logger.Printf("Wake pull failed: %v", err)
			}
		}
	}
}

// pull fetches the remote snapshot and applies it under last-write-wins:
// the snapshot replaces local state only when its update timestamp is
// newer than the last local edit. A never-pushed account adopts the
// local state by pushing it instead.
func (e *Engine) pull(ctx context.Context) error {
	authed, err := e.client.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if !authed {
		return nil
	}

	e.setPhase(PhasePulling)

	snapshot, err := e.client.Pull(ctx)
	if err != nil {
		e.setPhase(PhaseIdle)
		if errors.Is(err, syncclient.ErrUnauthorized) {
			e.config.Logger.Println("Session expired, sync disabled until next login")
			return nil
		}
		return err
	}

	if snapshot == nil {
		// Account has never pushed. Local state stays as is; the next
		// user mutation seeds the server through the debounce path.
		e.setPhase(PhaseIdle)
		if e.config.OnPull != nil {
			e.config.OnPull(false)
		}
		return nil
	}

	applied := false
	localUpdate, hasLocal, err := e.store.LastLocalUpdate(ctx)
	if err != nil {
		e.setPhase(PhaseIdle)
		return err
	}
	remoteUpdate := time.UnixMilli(snapshot.UpdatedAt)

	if !hasLocal || remoteUpdate.After(localUpdate) {
		if err := e.store.ApplySnapshot(ctx, snapshot); err != nil {
			e.setPhase(PhaseIdle)
			return fmt.Errorf("failed to apply snapshot: %w", err)
		}
		applied = true
		e.config.Logger.Printf("Applied remote snapshot from %s", remoteUpdate.Format(time.RFC3339))

		// Edits queued before the pull were just overwritten; pushing
		// them now would resurrect stale state.
		e.clearPending()
		e.reactToSnapshot(snapshot)
	} else {
		e.config.Logger.Println("Local state is newer, keeping it")
	}

	if applied {
		// Let the snapshot's own change events drain before pushes
		// resume, otherwise the pull would echo straight back up.
		e.setPhase(PhaseSettling)
		select {
		case <-time.After(e.config.PushDebounce):
		case <-e.ctx.Done():
		}
	}
	e.setPhase(PhaseIdle)

	if e.config.OnPull != nil {
		e.config.OnPull(applied)
	}
	return nil
}

// reactToSnapshot updates the display and warms asset caches after an
// applied pull. All of it is best-effort.
func (e *Engine) reactToSnapshot(snapshot *state.Snapshot) {
	if e.swapper != nil && snapshot.BackgroundURL != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.swapper.Set(e.ctx, snapshot.BackgroundURL); err != nil {
				e.config.Logger.Printf("Background swap failed: %v", err)
			}
		}()
	}

	if e.cache != nil {
		for _, shortcut := range snapshot.Shortcuts {
			if shortcut.Icon == nil || shortcut.Icon.URL == "" {
				continue
			}
			url := shortcut.Icon.URL
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.cache.Ensure(e.ctx, assetcache.NamespaceIcon, url); err != nil {
					e.config.Logger.Printf("Icon warm failed for %s: %v", url, err)
				}
			}()
		}
	}
}

// pushLoop drains store change events into the pending set and pushes
// once edits have been quiet for the debounce window.
func (e *Engine) pushLoop(changes <-chan state.Change) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PushDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case change, ok := <-changes:
			if !ok {
				return
			}
			if e.Phase() != PhaseIdle {
				// Change came from an applied pull; echoing it back
				// would loop forever.
				continue
			}
			e.queueChange(change.Field)

		case <-ticker.C:
			e.pushPendingChanges()
		}
	}
}

// queueChange marks a field dirty with debouncing.
func (e *Engine) queueChange(field state.Field) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	e.pending[field] = time.Now()
}

// clearPending drops all dirty fields.
func (e *Engine) clearPending() {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	e.pending = make(map[state.Field]time.Time)
}

// pushPendingChanges pushes if every dirty field has been quiet for the
// debounce window.
func (e *Engine) pushPendingChanges() {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return
	}
	now := time.Now()
	for _, editedAt := range e.pending {
		if now.Sub(editedAt) < e.config.PushDebounce {
			e.pendingMu.Unlock()
			return
		}
	}
	e.pending = make(map[state.Field]time.Time)
	e.pendingMu.Unlock()

	if err := e.push(e.ctx); err != nil {
		e.config.Logger.Printf("Push failed: %v", err)
	}
}

// push uploads the whole local state as one snapshot.
func (e *Engine) push(ctx context.Context) error {
	authed, err := e.client.IsAuthenticated(ctx)
	if err != nil {
		return err
	}
	if !authed {
		return nil
	}

	local, err := e.store.Local(ctx)
	if err != nil {
		return fmt.Errorf("failed to load local state: %w", err)
	}

	updatedAt, err := e.client.Push(ctx, local)
	if err != nil {
		if errors.Is(err, syncclient.ErrUnauthorized) {
			e.config.Logger.Println("Session expired during push")
			return nil
		}
		return err
	}

	e.config.Logger.Printf("Pushed local state, server time %s",
		time.UnixMilli(updatedAt).Format(time.RFC3339))
	if e.config.OnPush != nil {
		e.config.OnPush(updatedAt)
	}
	return nil
}

// watchShortcutFile adopts external writes to the shortcuts file as
// stamped local mutations, so popup-style editors feed the same
// debounced push path as direct edits.
func (e *Engine) watchShortcutFile() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			e.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			if err := e.adoptShortcutFile(); err != nil {
				e.config.Logger.Printf("Error adopting %s: %v", event.Name, err)
			}

		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// adoptShortcutFile reads the watched file and stores its shortcuts.
func (e *Engine) adoptShortcutFile() error {
	data, err := os.ReadFile(e.config.WatchPath)
	if err != nil {
		return fmt.Errorf("failed to read shortcuts file: %w", err)
	}

	var shortcuts []state.Shortcut
	if err := json.Unmarshal(data, &shortcuts); err != nil {
		return fmt.Errorf("failed to parse shortcuts file: %w", err)
	}

	return e.store.SetShortcuts(e.ctx, shortcuts)
}

func (e *Engine) setPhase(p Phase) {
	e.phaseMu.Lock()
	e.phase = p
	e.phaseMu.Unlock()
}
