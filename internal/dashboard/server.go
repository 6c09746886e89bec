// Package dashboard serves the watch daemon's live view: a WebSocket feed
// of sync events, a JSON health endpoint and the Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/engine"
	"github.com/todosync/todosync/internal/metrics"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries a full StatusData snapshot. Sent on connect.
	MessageTypeStatus MessageType = "status"

	// MessageTypeFileChanged means fresh content is available
	MessageTypeFileChanged MessageType = "file_changed"

	// MessageTypePending follows the pending-changes flag
	MessageTypePending MessageType = "pending_changes"

	// MessageTypeConflictRenamed means a save landed under a new path
	MessageTypeConflictRenamed MessageType = "conflict_renamed"

	// MessageTypeSyncError reports a failed background operation
	MessageTypeSyncError MessageType = "sync_error"

	// MessageTypeConnectivity follows online/offline edges
	MessageTypeConnectivity MessageType = "connectivity"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData is the JSON form of engine.Status.
type StatusData struct {
	Online        bool   `json:"online"`
	Authenticated bool   `json:"authenticated"`
	Unlinked      bool   `json:"unlinked"`
	Paused        bool   `json:"paused"`
	Loading       bool   `json:"loading"`
	File          string `json:"file"`
	Path          string `json:"path"`
	Revision      string `json:"revision"`
	Pending       bool   `json:"pending"`
	Watcher       string `json:"watcher"`
	Backoff       string `json:"backoff,omitempty"`
	QueueDepth    int    `json:"queue_depth"`
}

// NewStatusData converts an engine status snapshot.
func NewStatusData(st engine.Status) StatusData {
	d := StatusData{
		Online:        st.Online,
		Authenticated: st.Authenticated,
		Unlinked:      st.Unlinked,
		Paused:        st.Paused,
		Loading:       st.Loading,
		File:          st.File,
		Path:          st.Path,
		Revision:      st.Revision,
		Pending:       st.Pending,
		Watcher:       st.Watcher.String(),
		QueueDepth:    st.QueueDepth,
	}
	if st.Backoff > 0 {
		d.Backoff = st.Backoff.String()
	}
	return d
}

// FileChangedData accompanies file_changed and conflict_renamed.
type FileChangedData struct {
	Path    string `json:"path,omitempty"`
	NewPath string `json:"new_path,omitempty"`
}

// PendingData accompanies pending_changes.
type PendingData struct {
	Pending bool `json:"pending"`
}

// SyncErrorData accompanies sync_error.
type SyncErrorData struct {
	Op        string `json:"op"`
	Error     string `json:"error"`
	Transient bool   `json:"transient"`
}

// ConnectivityData accompanies connectivity.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8787". Port 0 picks a free port.
	Addr string

	// Status, if set, feeds /health and the status message sent on connect.
	Status func() engine.Status

	// Logger (default: no-op)
	Logger *zap.Logger
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	status   func() engine.Status
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a dashboard server. Call Start to listen.
func NewServer(config Config) *Server {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8787"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		status:    config.Status,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger.Named("dashboard"),
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for every client. Drops the message when the queue
// is full rather than blocking the engine.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// Publish marshals data and broadcasts it as a msgType message.
func (s *Server) Publish(msgType MessageType, data any) {
	msg, err := newMessage(msgType, data)
	if err != nil {
		s.logger.Error("failed to marshal message", zap.String("type", string(msgType)), zap.Error(err))
		return
	}
	s.Broadcast(msg)
}

func newMessage(msgType MessageType, data any) (Message, error) {
	msg := Message{Type: msgType, Timestamp: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// Send the snapshot before registering so it is always the first frame.
	if s.status != nil {
		if msg, err := newMessage(MessageTypeStatus, NewStatusData(s.status())); err == nil {
			if data, err := json.Marshal(msg); err == nil {
				ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, data)
				cancel()
			}
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", clientCount))

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop notices disconnects; clients never send anything meaningful.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
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
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	}
	if s.status != nil {
		body["sync"] = NewStatusData(s.status())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>todosync</title>
</head>
<body>
    <h1>todosync watch</h1>
    <p>Event stream: <code>ws://%s/ws</code></p>
    <p>Health: <a href="/health">/health</a> &middot; Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
