// Package assetcache provides the durable, cache-first blob store for
// fetched image assets (site icons, background photos).
//
// Entries are keyed by source URL inside one of two disjoint
// namespaces. Once written, an entry is immutable: a key is never
// overwritten with different bytes, and lookups never touch the
// network. Population happens only through Ensure, which fetches on
// miss and degrades to "stay uncached" on any failure so the caller
// can always fall back to loading the URL directly.
package assetcache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Namespace partitions the cache by asset kind.
type Namespace string

const (
	// NamespaceIcon holds shortcut favicons.
	NamespaceIcon Namespace = "icon"
	// NamespaceBackground holds full-viewport background photos.
	NamespaceBackground Namespace = "background"
)

// MaxAssetBytes bounds a single cached body. Responses larger than this
// are treated as fetch failures rather than written partially.
const MaxAssetBytes = 32 * 1024 * 1024

// Cache is the blob store. It shares the state database connection so
// assets and settings live in a single durable file.
type Cache struct {
	conn   *sql.DB
	client *http.Client
	logger *log.Logger

	// inflight coalesces concurrent Ensure calls per (namespace,url).
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Config holds cache configuration.
type Config struct {
	// HTTPClient performs asset fetches (default: 30s timeout client).
	HTTPClient *http.Client

	// Logger for cache activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     log.New(os.Stderr, "[assetcache] ", log.LstdFlags),
	}
}

// New creates a cache over an open database connection. The assets
// table must already exist (the state store creates it).
func New(conn *sql.DB, config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[assetcache] ", log.LstdFlags)
	}
	return &Cache{
		conn:     conn,
		client:   config.HTTPClient,
		logger:   config.Logger,
		inflight: make(map[string]chan struct{}),
	}
}

// fetchable reports whether a URL is something the cache can fetch and
// key. Data URIs and other non-HTTP schemes are rendered inline by the
// surface and are deliberately never cached.
func fetchable(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Get performs a cache-first lookup. It never fetches over the
// network. Non-fetchable URLs report absent without error.
func (c *Cache) Get(ctx context.Context, ns Namespace, url string) ([]byte, bool, error) {
	if !fetchable(url) {
		return nil, false, nil
	}

	var body []byte
	err := c.conn.QueryRowContext(ctx,
		`SELECT body FROM assets WHERE namespace = ? AND url = ?`, string(ns), url).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached asset: %w", err)
	}
	return body, true, nil
}

// Contains reports whether an entry exists without loading the body.
func (c *Cache) Contains(ctx context.Context, ns Namespace, url string) (bool, error) {
	if !fetchable(url) {
		return false, nil
	}
	var one int
	err := c.conn.QueryRowContext(ctx,
		`SELECT 1 FROM assets WHERE namespace = ? AND url = ?`, string(ns), url).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe cached asset: %w", err)
	}
	return true, nil
}

// Ensure populates the cache for a URL if it is not already present.
//
// Already-cached URLs are a no-op success. On a miss the URL is fetched
// and the response body stored verbatim under the URL key in a single
// statement, so a partial blob can never be observed. A non-2xx
// response or transport failure leaves the URL uncached and returns an
// error; callers that only warm the cache may ignore it.
//
// Concurrent Ensure calls for the same key are coalesced: the second
// caller waits for the first fetch and then re-checks the cache.
func (c *Cache) Ensure(ctx context.Context, ns Namespace, url string) error {
	if !fetchable(url) {
		return fmt.Errorf("unsupported asset URL scheme: %s", truncateURL(url))
	}

	cached, err := c.Contains(ctx, ns, url)
	if err != nil {
		return err
	}
	if cached {
		return nil
	}

	key := string(ns) + "\x00" + url
	var done chan struct{}
	for {
		c.mu.Lock()
		existing, found := c.inflight[key]
		if !found {
			done = make(chan struct{})
			c.inflight[key] = done
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		select {
		case <-existing:
		case <-ctx.Done():
			return ctx.Err()
		}

		// The other fetch finished; success shows up in the cache.
		cached, err := c.Contains(ctx, ns, url)
		if err != nil || cached {
			return err
		}
	}

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(done)
	}()

	body, err := c.fetch(ctx, url)
	if err != nil {
		return err
	}

	_, err = c.conn.ExecContext(ctx, `
	INSERT OR IGNORE INTO assets (namespace, url, body, fetched_at)
	VALUES (?, ?, ?, ?)
	`, string(ns), url, body, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store asset: %w", err)
	}

	return nil
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build asset request: %w", err)
	}
	req.Header.Set("Accept", "image/*,*/*")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("asset fetch returned status %d for %s", resp.StatusCode, truncateURL(url))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxAssetBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read asset body: %w", err)
	}
	if len(body) > MaxAssetBytes {
		return nil, fmt.Errorf("asset exceeds %d bytes: %s", MaxAssetBytes, truncateURL(url))
	}

	return body, nil
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
