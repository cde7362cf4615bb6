// Package state provides the local state model and SQLite-backed store
// for the start page: shortcuts, grid layout, background settings, the
// active background URL, and the sync bookkeeping timestamps.
//
// The store is the single owner of local state. Every mutation flows
// through it so that each one can stamp last_local_update, which is the
// sole conflict-resolution signal against the remote snapshot.
package state

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// MaxCustomIconBytes caps user-uploaded icon payloads (decoded size).
const MaxCustomIconBytes = 500 * 1024

// IconKind discriminates the two icon variants a shortcut can carry.
type IconKind string

const (
	// IconSource is a resolved favicon candidate fetched from a provider.
	IconSource IconKind = "source"
	// IconCustom is a user-uploaded image embedded as a data URI.
	IconCustom IconKind = "custom"
)

// IconRef is a tagged reference to a shortcut icon.
//
// For IconSource, SourceID and URL are set. For IconCustom, DataURI holds
// the embedded image. An icon is replaced wholesale on edit, never
// partially mutated.
type IconRef struct {
	Kind     IconKind `json:"kind"`
	SourceID string   `json:"sourceId,omitempty"`
	URL      string   `json:"url,omitempty"`
	DataURI  string   `json:"dataUri,omitempty"`
}

// Validate checks the icon reference for structural validity, including
// the size cap on custom data URIs.
func (ic *IconRef) Validate() error {
	switch ic.Kind {
	case IconSource:
		if ic.URL == "" {
			return fmt.Errorf("source icon requires a url")
		}
	case IconCustom:
		if ic.DataURI == "" {
			return fmt.Errorf("custom icon requires a data URI")
		}
		if !strings.HasPrefix(ic.DataURI, "data:image/") {
			return fmt.Errorf("custom icon must be an image data URI")
		}
		if size := dataURISize(ic.DataURI); size > MaxCustomIconBytes {
			return fmt.Errorf("custom icon exceeds %d bytes (got %d)", MaxCustomIconBytes, size)
		}
	default:
		return fmt.Errorf("unknown icon kind %q", ic.Kind)
	}
	return nil
}

// dataURISize returns the decoded payload size of a base64 data URI.
// Malformed URIs report their raw length so the cap still applies.
func dataURISize(uri string) int {
	idx := strings.IndexByte(uri, ',')
	if idx < 0 {
		return len(uri)
	}
	payload := uri[idx+1:]
	if strings.Contains(uri[:idx], "base64") {
		return base64.StdEncoding.DecodedLen(len(payload))
	}
	return len(payload)
}

// Shortcut is a single entry in the shortcut grid.
//
// IDs are creation timestamps in unix milliseconds, which keeps them
// unique per device and stable across sync.
type Shortcut struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Icon        *IconRef `json:"icon,omitempty"`
	IconPadding bool     `json:"iconPadding,omitempty"`
}

// Validate checks required shortcut fields.
func (s *Shortcut) Validate() error {
	if s.ID == 0 {
		return fmt.Errorf("id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("title is required")
	}
	if s.URL == "" {
		return fmt.Errorf("url is required")
	}
	if s.Icon != nil {
		if err := s.Icon.Validate(); err != nil {
			return fmt.Errorf("invalid icon: %w", err)
		}
	}
	return nil
}

// NewShortcutID returns a fresh shortcut id for the current instant.
func NewShortcutID() int64 {
	return time.Now().UnixMilli()
}

// GridConfig controls the shortcut grid layout.
type GridConfig struct {
	Cols          int  `json:"cols"`
	Rows          int  `json:"rows"`
	IconSize      int  `json:"iconSize"`
	ShowSearchBar bool `json:"showSearchBar"`
}

// Validate checks grid bounds.
func (g *GridConfig) Validate() error {
	if g.Cols < 3 || g.Cols > 6 {
		return fmt.Errorf("cols must be between 3 and 6 (got %d)", g.Cols)
	}
	if g.Rows < 1 || g.Rows > 4 {
		return fmt.Errorf("rows must be between 1 and 4 (got %d)", g.Rows)
	}
	if g.IconSize < 48 || g.IconSize > 120 {
		return fmt.Errorf("iconSize must be between 48 and 120 (got %d)", g.IconSize)
	}
	return nil
}

// BackgroundConfig controls the background image treatment.
type BackgroundConfig struct {
	BlurPx         int `json:"blur"`
	OverlayPercent int `json:"overlay"`
}

// Validate checks background bounds.
func (b *BackgroundConfig) Validate() error {
	if b.BlurPx < 0 || b.BlurPx > 20 {
		return fmt.Errorf("blur must be between 0 and 20 (got %d)", b.BlurPx)
	}
	if b.OverlayPercent < 0 || b.OverlayPercent > 90 {
		return fmt.Errorf("overlay must be between 0 and 90 (got %d)", b.OverlayPercent)
	}
	return nil
}

// LocalState is the full on-device state, as assembled for a push.
type LocalState struct {
	Shortcuts        []Shortcut       `json:"shortcuts"`
	GridConfig       GridConfig       `json:"gridConfig"`
	BackgroundConfig BackgroundConfig `json:"bgConfig"`
	BackgroundURL    string           `json:"bgUrl"`
}

// Snapshot is a remote snapshot as returned by a pull. Fields are
// pointers (or nil-able) so a partial snapshot updates only the fields
// it contains.
type Snapshot struct {
	Shortcuts        []Shortcut        `json:"shortcuts,omitempty"`
	GridConfig       *GridConfig       `json:"gridConfig,omitempty"`
	BackgroundConfig *BackgroundConfig `json:"bgConfig,omitempty"`
	BackgroundURL    string            `json:"bgUrl,omitempty"`
	UpdatedAt        int64             `json:"updatedAt,omitempty"`
}

// DefaultGridConfig returns the layout used before any user change.
func DefaultGridConfig() GridConfig {
	return GridConfig{Cols: 5, Rows: 3, IconSize: 80, ShowSearchBar: true}
}

// DefaultBackgroundConfig returns the background treatment used before
// any user change.
func DefaultBackgroundConfig() BackgroundConfig {
	return BackgroundConfig{BlurPx: 2, OverlayPercent: 30}
}

// DefaultBackgroundURL is the stock photo shown on a fresh install.
const DefaultBackgroundURL = "https://images.unsplash.com/photo-1472214103451-9374bd1c798e?q=80&w=2070&auto=format&fit=crop"

// DefaultShortcuts returns the four stock shortcuts seeded on first run.
func DefaultShortcuts() []Shortcut {
	return []Shortcut{
		{ID: 1, Title: "Google", URL: "https://google.com"},
		{ID: 2, Title: "YouTube", URL: "https://youtube.com"},
		{ID: 3, Title: "GitHub", URL: "https://github.com"},
		{ID: 4, Title: "Bilibili", URL: "https://bilibili.com"},
	}
}
