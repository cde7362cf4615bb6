// Package syncclient talks to the remote sync service: account
// registration and login, and whole-snapshot pull/push of the start
// page state.
//
// The client persists the opaque session token through the state store,
// so authentication survives restarts. Any 401 from the service clears
// the session (the server has expired or revoked the token) and the
// caller sees ErrUnauthorized.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/startab/startab/internal/state"
)

// Sentinel errors distinguish expected service responses from transport
// failures.
var (
	// ErrAlreadyExists reports a registration for a taken email.
	ErrAlreadyExists = errors.New("email already registered")
	// ErrInvalidInput reports a rejected registration payload.
	ErrInvalidInput = errors.New("invalid email or password")
	// ErrInvalidCredentials reports a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized reports an expired or revoked session. The local
	// session has already been cleared when this is returned.
	ErrUnauthorized = errors.New("session expired")
	// ErrInvalidPayload reports a push the service refused to store.
	ErrInvalidPayload = errors.New("invalid sync payload")
	// ErrNotAuthenticated reports a sync attempt with no session.
	ErrNotAuthenticated = errors.New("not logged in")
)

// Client is the remote sync client.
type Client struct {
	baseURL string
	client  *http.Client
	store   *state.Store
	logger  *log.Logger
}

// Config holds client configuration.
type Config struct {
	// HTTPClient performs requests (default: 15s timeout client).
	HTTPClient *http.Client

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     log.New(os.Stderr, "[syncclient] ", log.LstdFlags),
	}
}

// New creates a client for the service at baseURL. Sessions are read
// from and written to the given store.
func New(baseURL string, store *state.Store, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncclient] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  config.HTTPClient,
		store:   store,
		logger:  config.Logger,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type pullResponse struct {
	Data *state.Snapshot `json:"data"`
}

type pushRequest struct {
	Shortcuts        []state.Shortcut       `json:"shortcuts"`
	GridConfig       state.GridConfig       `json:"gridConfig"`
	BackgroundConfig state.BackgroundConfig `json:"bgConfig"`
	BackgroundURL    string                 `json:"bgUrl"`
}

type pushResponse struct {
	Success   bool  `json:"success"`
	UpdatedAt int64 `json:"updatedAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register creates an account and stores the returned session.
func (c *Client) Register(ctx context.Context, email, password string) error {
	resp, err := c.postJSON(ctx, "/api/auth/register", "", credentialsRequest{Email: email, Password: password})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, serviceError(resp.Body))
	default:
		return fmt.Errorf("register returned status %d", resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to decode register response: %w", err)
	}
	if err := c.store.SetSession(ctx, session.Token, session.Email); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	c.logger.Printf("Registered and logged in as %s", session.Email)
	return nil
}

// Login authenticates and stores the returned session.
func (c *Client) Login(ctx context.Context, email, password string) error {
	resp, err := c.postJSON(ctx, "/api/auth/login", "", credentialsRequest{Email: email, Password: password})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrInvalidCredentials
	default:
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if err := c.store.SetSession(ctx, session.Token, session.Email); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	c.logger.Printf("Logged in as %s", session.Email)
	return nil
}

// Logout discards the local session and sync marker. The server is not
// contacted; the token simply ages out there.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	if err := c.store.ClearLastSync(ctx); err != nil {
		return fmt.Errorf("failed to clear sync marker: %w", err)
	}
	c.logger.Printf("Logged out")
	return nil
}

// IsAuthenticated reports whether a complete session is stored.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	token, email, err := c.store.Session(ctx)
	if err != nil {
		return false, err
	}
	return token != "" && email != "", nil
}

// Pull fetches the remote snapshot. A nil snapshot with nil error means
// the account has never pushed; only a pull that actually returns data
// stamps the last-sync marker.
func (c *Client) Pull(ctx context.Context) (*state.Snapshot, error) {
	token, _, err := c.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sync/pull", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, c.expireSession(ctx)
	default:
		return nil, fmt.Errorf("pull returned status %d", resp.StatusCode)
	}

	var pulled pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pulled); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}

	if pulled.Data != nil {
		if err := c.store.SetLastSync(ctx, time.Now()); err != nil {
			return nil, fmt.Errorf("failed to stamp sync marker: %w", err)
		}
	}
	return pulled.Data, nil
}

// Push uploads the whole local state as the account snapshot. Returns
// the server-side update timestamp in Unix milliseconds.
func (c *Client) Push(ctx context.Context, local state.LocalState) (int64, error) {
	token, _, err := c.store.Session(ctx)
	if err != nil {
		return 0, err
	}
	if token == "" {
		return 0, ErrNotAuthenticated
	}

	body := pushRequest{
		Shortcuts:        local.Shortcuts,
		GridConfig:       local.GridConfig,
		BackgroundConfig: local.BackgroundConfig,
		BackgroundURL:    local.BackgroundURL,
	}
	resp, err := c.postJSON(ctx, "/api/sync/push", token, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return 0, c.expireSession(ctx)
	case http.StatusBadRequest:
		return 0, fmt.Errorf("%w: %s", ErrInvalidPayload, serviceError(resp.Body))
	default:
		return 0, fmt.Errorf("push returned status %d", resp.StatusCode)
	}

	var pushed pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushed); err != nil {
		return 0, fmt.Errorf("failed to decode push response: %w", err)
	}

	if err := c.store.SetLastSync(ctx, time.Now()); err != nil {
		return 0, fmt.Errorf("failed to stamp sync marker: %w", err)
	}
	return pushed.UpdatedAt, nil
}

// expireSession clears the stored session after a 401 and returns
// ErrUnauthorized.
func (c *Client) expireSession(ctx context.Context) error {
	c.logger.Printf("Session rejected by server, logging out")
	if err := c.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("failed to clear rejected session: %w", err)
	}
	if err := c.store.ClearLastSync(ctx); err != nil {
		return fmt.Errorf("failed to clear sync marker: %w", err)
	}
	return ErrUnauthorized
}

func (c *Client) postJSON(ctx context.Context, path, token string, payload any) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

// serviceError extracts the error message from a JSON error body.
func serviceError(body io.Reader) string {
	var parsed errorResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil || parsed.Error == "" {
		return "unspecified error"
	}
	return parsed.Error
}
