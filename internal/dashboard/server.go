// Package dashboard serves the HTTP surface of the sync daemon: the
// webhook intake, health and status endpoints, and a WebSocket channel
// broadcasting entity updates and sync outcomes to connected clients.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tracegraph/tracegraph/internal/engine"
	"github.com/tracegraph/tracegraph/internal/health"
	"github.com/tracegraph/tracegraph/internal/store"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// MessageType classifies a broadcast message.
type MessageType string

const (
	// MessageTypeEntityUpdate announces an entity created or updated by
	// a sync apply.
	MessageTypeEntityUpdate MessageType = "entity_update"

	// MessageTypeSyncFailed announces a failed apply.
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeHealthReport carries a full health report.
	MessageTypeHealthReport MessageType = "health_report"

	// MessageTypeStats carries store-wide counts.
	MessageTypeStats MessageType = "stats"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Listen is the address to bind, e.g. ":8990". ":0" picks a free
	// port.
	Listen string

	Logger *log.Logger
}

// Server owns the HTTP listener and the WebSocket client set.
type Server struct {
	listen   string
	listener net.Listener
	server   *http.Server

	pool    *engine.Pool
	checker *health.Checker
	store   *store.Store

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server. pool receives webhook events,
// checker backs the /report endpoint, st backs /status.
func NewServer(cfg Config, pool *engine.Pool, checker *health.Checker, st *store.Store) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = ":8990"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listen:    listen,
		pool:      pool,
		checker:   checker,
		store:     st,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.handleWebhook)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// Write timeout would kill long-running /report checks; each
		// handler bounds itself instead.
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("serve error: %v", err)
		}
	}()

	return nil
}

// Stop closes clients and shuts the server down gracefully.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down dashboard: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.listen
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues a message for every connected client. Messages are
// dropped, not blocked on, when the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal broadcast: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				writeCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(writeCtx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebhook ingests one tracker event. Malformed payloads get a 400
// and are otherwise dropped; valid events are queued and acknowledged
// with 202 before they are applied.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	ev, err := engine.ParseEvent(body)
	if err != nil {
		s.logger.Printf("rejecting webhook: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.pool.Submit(r.Context(), ev) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted":    true,
		"tracker_ref": ev.TrackerRef,
	})
}

// handleReport runs a health check and returns the report as JSON. The
// report is also broadcast to WebSocket clients.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	report, err := s.checker.Run(ctx)
	if err != nil {
		s.logger.Printf("health check failed: %v", err)
		http.Error(w, "health check failed", http.StatusInternalServerError)
		return
	}

	if data, err := json.Marshal(report); err == nil {
		s.Broadcast(Message{Type: MessageTypeHealthReport, Data: data})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// handleStatus returns store-wide entity and sync counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Printf("stats query failed: %v", err)
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total %d)", count)

	go s.readLoop(conn)
}

// readLoop drains client frames so pings keep the connection alive; the
// server never acts on client messages.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	if exists {
		delete(s.clients, conn)
	}
	count := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total %d)", count)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>tracegraph</title></head>
<body>
    <h1>tracegraph sync daemon</h1>
    <p>Webhook intake: <code>POST /webhook</code></p>
    <p>Health report: <a href="/report">/report</a></p>
    <p>Store status: <a href="/status">/status</a></p>
    <p>Live updates: <code>ws://%s/ws</code></p>
</body>
</html>`, r.Host)
}
