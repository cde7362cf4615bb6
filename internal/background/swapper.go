// Package background implements the double-buffered background image
// slot for the start page.
//
// One logical slot moves Idle(active) -> Loading(active, candidate) ->
// Idle(candidate). The previous image stays active until the candidate
// has fully decoded, so the visible layer never shows a blank frame
// between two valid backgrounds. A failed decode still commits the
// candidate (with a flag) rather than leaving the slot stuck loading.
package background

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/startab/startab/internal/assetcache"
)

// Phase is the state of the background slot.
type Phase int

const (
	// PhaseIdle means the active slot is the committed background.
	PhaseIdle Phase = iota
	// PhaseLoading means a candidate is being preloaded off-screen.
	PhaseLoading
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	default:
		return "unknown"
	}
}

// Slot is the committed background: the URL, the raw bytes a surface
// should render, and whether the bytes failed to decode (broken-image
// display, accepted over blocking forever).
type Slot struct {
	URL          string
	Body         []byte
	DecodeFailed bool
}

// Swapper owns the background slot.
type Swapper struct {
	cache  *assetcache.Cache
	client *http.Client
	logger *log.Logger

	// onSwap, if set, is invoked after every commit (surface broadcast).
	onSwap func(Slot)

	mu        sync.Mutex
	active    Slot
	phase     Phase
	candidate string
	gen       uint64

	wg sync.WaitGroup
}

// Config holds swapper configuration.
type Config struct {
	// HTTPClient loads uncached candidates directly (default: 30s timeout).
	HTTPClient *http.Client

	// OnSwap is called with the new slot after each commit.
	OnSwap func(Slot)

	// Logger for swapper activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     log.New(os.Stderr, "[background] ", log.LstdFlags),
	}
}

// New creates a swapper over the asset cache.
func New(cache *assetcache.Cache, config *Config) *Swapper {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[background] ", log.LstdFlags)
	}
	return &Swapper{
		cache:  cache,
		client: config.HTTPClient,
		logger: config.Logger,
		onSwap: config.OnSwap,
	}
}

// Active returns the committed slot.
func (s *Swapper) Active() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Phase returns the current slot phase.
func (s *Swapper) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Mount initializes the slot for the configured background URL.
//
// A cache hit commits the active slot synchronously so the first paint
// shows the cached image with no flash of a default color. A miss goes
// through the normal preload path.
func (s *Swapper) Mount(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}

	body, ok, err := s.cache.Get(ctx, assetcache.NamespaceBackground, url)
	if err != nil {
		s.logger.Printf("Cache probe failed for %s: %v", url, err)
	}
	if ok {
		s.commit(s.nextGen(url), Slot{URL: url, Body: body, DecodeFailed: !decodes(body)})
		return nil
	}

	return s.Set(ctx, url)
}

// Set preloads a new background URL and swaps once it has decoded.
//
// The call blocks until the swap commits (or is superseded by a newer
// Set, in which case it returns without committing). Failure to load
// or decode still commits the candidate so the slot cannot wedge in
// Loading.
func (s *Swapper) Set(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("background URL cannot be empty")
	}

	s.mu.Lock()
	if s.phase == PhaseIdle && s.active.URL == url {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	gen := s.nextGen(url)

	body, err := s.load(ctx, url)
	if err != nil {
		s.logger.Printf("Background load failed for %s: %v", url, err)
		// Swap anyway: a broken image beats a stuck loading state.
		s.commit(gen, Slot{URL: url, DecodeFailed: true})
		return err
	}

	slot := Slot{URL: url, Body: body}
	if !decodes(body) {
		s.logger.Printf("Background decode failed for %s", url)
		slot.DecodeFailed = true
	}
	s.commit(gen, slot)

	// Warm the cache for the next load. Fire-and-forget; failure does
	// not affect the display.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		warmCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.cache.Ensure(warmCtx, assetcache.NamespaceBackground, url); err != nil {
			s.logger.Printf("Background warm failed for %s: %v", url, err)
		}
	}()

	return nil
}

// Wait blocks until in-flight cache warms finish. Intended for teardown
// and tests.
func (s *Swapper) Wait() {
	s.wg.Wait()
}

// nextGen marks a new candidate generation and enters Loading.
func (s *Swapper) nextGen(url string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.phase = PhaseLoading
	s.candidate = url
	return s.gen
}

// commit installs the slot unless a newer candidate superseded it. The
// active slot is replaced atomically, so a reader always observes
// either the old complete image or the new one.
func (s *Swapper) commit(gen uint64, slot Slot) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.active = slot
	s.phase = PhaseIdle
	s.candidate = ""
	onSwap := s.onSwap
	s.mu.Unlock()

	if onSwap != nil {
		onSwap(slot)
	}
}

// load fetches candidate bytes, cache first, then the network.
func (s *Swapper) load(ctx context.Context, url string) ([]byte, error) {
	body, ok, err := s.cache.Get(ctx, assetcache.NamespaceBackground, url)
	if err != nil {
		s.logger.Printf("Cache read failed for %s: %v", url, err)
	}
	if ok {
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build background request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("background fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("background fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, assetcache.MaxAssetBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read background body: %w", err)
	}
	return data, nil
}

// decodes reports whether the bytes contain a fully decodable image.
func decodes(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	_, _, err := image.Decode(bytes.NewReader(body))
	return err == nil
}
