package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Settings keys. These mirror the durable key-value namespace the
// companion surfaces also know about.
const (
	keyShortcuts       = "shortcuts"
	keyGridConfig      = "grid_config"
	keyBgConfig        = "bg_config"
	keyBgURL           = "bg_url"
	keyLastLocalUpdate = "last_local_update"
	keyLastSync        = "last_sync"
	keySessionToken    = "session_token"
	keySessionEmail    = "session_email"
)

// Field identifies which part of the local state a change event touched.
type Field string

const (
	FieldShortcuts        Field = "shortcuts"
	FieldGridConfig       Field = "grid_config"
	FieldBackgroundConfig Field = "bg_config"
	FieldBackgroundURL    Field = "bg_url"
)

// Change is emitted on the subscriber feed for every state mutation,
// whether it came from the user or from an applied remote snapshot.
type Change struct {
	Field Field
	At    time.Time
}

// Store owns the local state database.
//
// All mutators are safe for concurrent use; SQLite serializes the
// writes and the subscriber feed preserves the order in which they
// were committed.
type Store struct {
	conn *sql.DB
	path string

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// Open creates or opens the state database at the given path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The schema is created if missing. The caller MUST call Close()
// when done.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if path != ":memory:" {
		connStr = fmt.Sprintf("file:%s", path)
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		subs: make(map[int]chan Change),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection. The asset cache
// shares this connection so state and cached blobs live in one file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assets (
		namespace TEXT NOT NULL,
		url TEXT NOT NULL,
		body BLOB NOT NULL,
		fetched_at TEXT NOT NULL,
		PRIMARY KEY (namespace, url)
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// EnsureDefaults seeds the stock shortcuts, grid config, background
// config and background URL on a fresh database. Seeding does NOT stamp
// last_local_update: a never-touched install must lose to any remote
// snapshot.
//
// Idempotent - safe to call on every start.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	type seed struct {
		key   string
		value func() (string, error)
	}
	seeds := []seed{
		{keyShortcuts, func() (string, error) { return marshalJSON(DefaultShortcuts()) }},
		{keyGridConfig, func() (string, error) { return marshalJSON(DefaultGridConfig()) }},
		{keyBgConfig, func() (string, error) { return marshalJSON(DefaultBackgroundConfig()) }},
		{keyBgURL, func() (string, error) { return DefaultBackgroundURL, nil }},
	}

	for _, sd := range seeds {
		value, err := sd.value()
		if err != nil {
			return fmt.Errorf("failed to encode default %s: %w", sd.key, err)
		}
		_, err = s.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, sd.key, value)
		if err != nil {
			return fmt.Errorf("failed to seed %s: %w", sd.key, err)
		}
	}

	return nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// getSetting reads one settings row. Missing keys report ok=false.
func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) putSetting(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) deleteSetting(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// Shortcuts returns the current shortcut list.
func (s *Store) Shortcuts(ctx context.Context) ([]Shortcut, error) {
	raw, ok, err := s.getSetting(ctx, keyShortcuts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Shortcut{}, nil
	}
	var shortcuts []Shortcut
	if err := json.Unmarshal([]byte(raw), &shortcuts); err != nil {
		return nil, fmt.Errorf("failed to parse stored shortcuts: %w", err)
	}
	return shortcuts, nil
}

// GridConfig returns the current grid layout.
func (s *Store) GridConfig(ctx context.Context) (GridConfig, error) {
	cfg := DefaultGridConfig()
	raw, ok, err := s.getSetting(ctx, keyGridConfig)
	if err != nil {
		return cfg, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse stored grid config: %w", err)
		}
	}
	return cfg, nil
}

// BackgroundConfig returns the current background treatment.
func (s *Store) BackgroundConfig(ctx context.Context) (BackgroundConfig, error) {
	cfg := DefaultBackgroundConfig()
	raw, ok, err := s.getSetting(ctx, keyBgConfig)
	if err != nil {
		return cfg, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse stored background config: %w", err)
		}
	}
	return cfg, nil
}

// BackgroundURL returns the active background image URL.
func (s *Store) BackgroundURL(ctx context.Context) (string, error) {
	raw, ok, err := s.getSetting(ctx, keyBgURL)
	if err != nil {
		return "", err
	}
	if !ok {
		return DefaultBackgroundURL, nil
	}
	return raw, nil
}

// Local assembles the full LocalState as it would be pushed.
func (s *Store) Local(ctx context.Context) (LocalState, error) {
	var ls LocalState
	var err error
	if ls.Shortcuts, err = s.Shortcuts(ctx); err != nil {
		return ls, err
	}
	if ls.GridConfig, err = s.GridConfig(ctx); err != nil {
		return ls, err
	}
	if ls.BackgroundConfig, err = s.BackgroundConfig(ctx); err != nil {
		return ls, err
	}
	if ls.BackgroundURL, err = s.BackgroundURL(ctx); err != nil {
		return ls, err
	}
	return ls, nil
}

// SetShortcuts replaces the shortcut list as a user mutation: it stamps
// last_local_update and notifies subscribers.
func (s *Store) SetShortcuts(ctx context.Context, shortcuts []Shortcut) error {
	for i := range shortcuts {
		if err := shortcuts[i].Validate(); err != nil {
			return fmt.Errorf("invalid shortcut %d: %w", shortcuts[i].ID, err)
		}
	}
	return s.setStamped(ctx, keyShortcuts, FieldShortcuts, func() (string, error) {
		return marshalJSON(shortcuts)
	})
}

// AddShortcut appends a shortcut to the grid.
func (s *Store) AddShortcut(ctx context.Context, sc Shortcut) error {
	shortcuts, err := s.Shortcuts(ctx)
	if err != nil {
		return err
	}
	for i := range shortcuts {
		if shortcuts[i].ID == sc.ID {
			return fmt.Errorf("shortcut %d already exists", sc.ID)
		}
	}
	return s.SetShortcuts(ctx, append(shortcuts, sc))
}

// RemoveShortcut deletes a shortcut by id. Removing an unknown id is a
// no-op mutation (the list is rewritten and stamped regardless).
func (s *Store) RemoveShortcut(ctx context.Context, id int64) error {
	shortcuts, err := s.Shortcuts(ctx)
	if err != nil {
		return err
	}
	kept := shortcuts[:0]
	for _, sc := range shortcuts {
		if sc.ID != id {
			kept = append(kept, sc)
		}
	}
	return s.SetShortcuts(ctx, kept)
}

// UpdateShortcut replaces the shortcut with the same id wholesale.
func (s *Store) UpdateShortcut(ctx context.Context, sc Shortcut) error {
	shortcuts, err := s.Shortcuts(ctx)
	if err != nil {
		return err
	}
	found := false
	for i := range shortcuts {
		if shortcuts[i].ID == sc.ID {
			shortcuts[i] = sc
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("shortcut %d not found", sc.ID)
	}
	return s.SetShortcuts(ctx, shortcuts)
}

// SetGridConfig replaces the grid layout as a user mutation.
func (s *Store) SetGridConfig(ctx context.Context, cfg GridConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid grid config: %w", err)
	}
	return s.setStamped(ctx, keyGridConfig, FieldGridConfig, func() (string, error) {
		return marshalJSON(cfg)
	})
}

// SetBackgroundConfig replaces the background treatment as a user mutation.
func (s *Store) SetBackgroundConfig(ctx context.Context, cfg BackgroundConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid background config: %w", err)
	}
	return s.setStamped(ctx, keyBgConfig, FieldBackgroundConfig, func() (string, error) {
		return marshalJSON(cfg)
	})
}

// SetBackgroundURL replaces the background URL as a user mutation.
func (s *Store) SetBackgroundURL(ctx context.Context, url string) error {
	return s.setStamped(ctx, keyBgURL, FieldBackgroundURL, func() (string, error) {
		return url, nil
	})
}

func (s *Store) setStamped(ctx context.Context, key string, field Field, encode func() (string, error)) error {
	value, err := encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.putSetting(ctx, key, value); err != nil {
		return err
	}
	now := time.Now()
	if err := s.putSetting(ctx, keyLastLocalUpdate, now.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	s.notify(Change{Field: field, At: now})
	return nil
}

// ApplySnapshot applies a remote snapshot field by field WITHOUT
// stamping last_local_update. A partial snapshot updates only the
// fields it carries. Subscribers are still notified so surfaces can
// re-render.
func (s *Store) ApplySnapshot(ctx context.Context, snap *Snapshot) error {
	now := time.Now()

	if snap.Shortcuts != nil {
		value, err := marshalJSON(snap.Shortcuts)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot shortcuts: %w", err)
		}
		if err := s.putSetting(ctx, keyShortcuts, value); err != nil {
			return err
		}
		s.notify(Change{Field: FieldShortcuts, At: now})
	}
	if snap.GridConfig != nil {
		value, err := marshalJSON(snap.GridConfig)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot grid config: %w", err)
		}
		if err := s.putSetting(ctx, keyGridConfig, value); err != nil {
			return err
		}
		s.notify(Change{Field: FieldGridConfig, At: now})
	}
	if snap.BackgroundConfig != nil {
		value, err := marshalJSON(snap.BackgroundConfig)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot background config: %w", err)
		}
		if err := s.putSetting(ctx, keyBgConfig, value); err != nil {
			return err
		}
		s.notify(Change{Field: FieldBackgroundConfig, At: now})
	}
	if snap.BackgroundURL != "" {
		if err := s.putSetting(ctx, keyBgURL, snap.BackgroundURL); err != nil {
			return err
		}
		s.notify(Change{Field: FieldBackgroundURL, At: now})
	}

	return nil
}

// LastLocalUpdate returns the timestamp of the most recent user
// mutation. ok is false if no mutation has ever happened.
func (s *Store) LastLocalUpdate(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, keyLastLocalUpdate)
}

// LastSync returns the timestamp of the most recent successful pull or
// push. ok is false if the device has never synced.
func (s *Store) LastSync(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, keyLastSync)
}

// SetLastSync records a successful pull or push.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.putSetting(ctx, keyLastSync, t.Format(time.RFC3339Nano))
}

// ClearLastSync forgets the sync timestamp (logout).
func (s *Store) ClearLastSync(ctx context.Context) error {
	return s.deleteSetting(ctx, keyLastSync)
}

func (s *Store) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := s.getSetting(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return t, true, nil
}

// Session returns the persisted sync session. Either value may be
// empty; a missing token means logged out.
func (s *Store) Session(ctx context.Context) (token, email string, err error) {
	token, _, err = s.getSetting(ctx, keySessionToken)
	if err != nil {
		return "", "", err
	}
	email, _, err = s.getSetting(ctx, keySessionEmail)
	if err != nil {
		return "", "", err
	}
	return token, email, nil
}

// SetSession persists the sync session after register or login.
func (s *Store) SetSession(ctx context.Context, token, email string) error {
	if err := s.putSetting(ctx, keySessionToken, token); err != nil {
		return err
	}
	return s.putSetting(ctx, keySessionEmail, email)
}

// ClearSession forgets the sync session.
func (s *Store) ClearSession(ctx context.Context) error {
	if err := s.deleteSetting(ctx, keySessionToken); err != nil {
		return err
	}
	return s.deleteSetting(ctx, keySessionEmail)
}

// Subscribe registers a change listener. Events are delivered in commit
// order on a buffered channel; if the subscriber falls behind, events
// are dropped rather than blocking mutators. The returned cancel
// function removes the subscription and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
