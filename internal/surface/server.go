// Package surface provides the local WebSocket server that rendering
// surfaces (new-tab pages, widgets) attach to.
//
// The server broadcasts state changes, sync events, and background
// swaps to connected surfaces, and serves the full page state over
// HTTP. A surface attaching counts as the page becoming visible, so
// each new connection wakes the sync engine.
package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/startab/startab/internal/state"
)

// EventType defines the type of surface event.
type EventType string

const (
	// EventStateChanged indicates a local settings field changed.
	EventStateChanged EventType = "state_changed"

	// EventPullApplied indicates a remote snapshot replaced local state.
	EventPullApplied EventType = "pull_applied"

	// EventPushCompleted indicates local state reached the server.
	EventPushCompleted EventType = "push_completed"

	// EventBackgroundSwapped indicates a new background committed.
	EventBackgroundSwapped EventType = "background_swapped"
)

// Event is a surface broadcast message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateChangedData names the field that changed.
type StateChangedData struct {
	Field string `json:"field"`
}

// PushCompletedData carries the server-side update timestamp.
type PushCompletedData struct {
	UpdatedAt int64 `json:"updatedAt"`
}

// BackgroundSwappedData describes the committed background.
type BackgroundSwappedData struct {
	URL          string `json:"url"`
	DecodeFailed bool   `json:"decodeFailed,omitempty"`
}

// Notifier receives surface-originated signals: Wake when a surface
// attaches, LocalChanged when another process mutated the shared
// database.
type Notifier interface {
	Wake()
	LocalChanged(field state.Field)
}

// Server manages surface connections and broadcasts.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store    *state.Store
	notifier Notifier

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 7621).
	Port int

	// Logger for server activity (default: standard logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7621,
		Logger: log.Default(),
	}
}

// NewServer creates a surface server over the state store. The notifier
// is optional.
func NewServer(store *state.Store, notifier Notifier, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		store:     store,
		notifier:  notifier,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/wake", s.handleWake)
	mux.HandleFunc("/changed", s.handleChanged)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Relay store changes to attached surfaces.
	changes, unsubscribe := s.store.Subscribe(64)
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go s.relayChanges(changes)

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Surface server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping surface server")

	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Surface server stopped")
	return nil
}

// Broadcast sends an event to all attached surfaces.
func (s *Server) Broadcast(event Event) {
	select {
	case s.broadcast <- event:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// NotifyPull broadcasts a completed pull when it replaced local state.
func (s *Server) NotifyPull(applied bool) {
	if !applied {
		return
	}
	s.Broadcast(Event{Type: EventPullApplied})
}

// NotifyPush broadcasts a completed push.
func (s *Server) NotifyPush(updatedAt int64) {
	data, _ := json.Marshal(PushCompletedData{UpdatedAt: updatedAt})
	s.Broadcast(Event{Type: EventPushCompleted, Data: data})
}

// NotifyBackground broadcasts a committed background swap.
func (s *Server) NotifyBackground(url string, decodeFailed bool) {
	data, _ := json.Marshal(BackgroundSwappedData{URL: url, DecodeFailed: decodeFailed})
	s.Broadcast(Event{Type: EventBackgroundSwapped, Data: data})
}

// relayChanges turns store change events into surface broadcasts.
func (s *Server) relayChanges(changes <-chan state.Change) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case change, ok := <-changes:
			if !ok {
				return
			}
			data, _ := json.Marshal(StateChangedData{Field: string(change.Field)})
			s.Broadcast(Event{Type: EventStateChanged, Data: data})
		}
	}
}

// broadcastLoop fans events out to all attached surfaces.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event := <-s.broadcast:
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now()
			}

			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to surface: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades surface connections and wakes the engine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Surface attached (total: %d)", clientCount)

	// An attaching surface means the page just became visible, the same
	// signal a browser tab gives when it regains focus.
	if s.notifier != nil {
		s.notifier.Wake()
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles surface disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

// removeClient safely removes a surface connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Surface detached (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleState serves the full page state for an initial render.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	local, err := s.store.Local(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, email, err := s.store.Session(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state": local,
		"email": email,
	})
}

// handleWake triggers an immediate engine pull. The CLI pings this
// after a login so the daemon picks up the new session right away.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.notifier != nil {
		s.notifier.Wake()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChanged adopts a mutation another process made against the
// shared database. The daemon's own change feed cannot see those
// writes, so the CLI reports them here; the engine schedules a push
// and attached surfaces are told to re-render.
func (s *Server) handleChanged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Field string `json:"field"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Field == "" {
		http.Error(w, "field is required", http.StatusBadRequest)
		return
	}

	if s.notifier != nil {
		s.notifier.LocalChanged(state.Field(body.Field))
	}
	data, _ := json.Marshal(StateChangedData{Field: body.Field})
	s.Broadcast(Event{Type: EventStateChanged, Data: data})
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"surfaces": clientCount,
	})
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of attached surfaces.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
