// Package dashboard provides a real-time WebSocket feed of sync activity.
//
// The dashboard broadcasts sync cycles, per-record deliveries, connectivity
// transitions and session changes to connected WebSocket clients, so a
// developer can watch the engine work while toggling the network.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType identifies the event a Message carries.
type MessageType string

const (
	MessageTypeCycleComplete MessageType = "cycle_complete"
	MessageTypeRecordSynced  MessageType = "record_synced"
	MessageTypeNetworkChange MessageType = "network_change"
	MessageTypeSessionChange MessageType = "session_change"

	// MessageTypeStats is also the first message every client receives.
	MessageTypeStats MessageType = "stats"
)

// Message is the JSON frame written to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsFunc returns the snapshot sent to new clients and served on /health.
type StatsFunc func(ctx context.Context) (any, error)

const (
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
)

var errSlowClient = errors.New("client queue full")

// Config holds server configuration.
type Config struct {
	Host string // default 127.0.0.1
	Port int    // 0 picks a free port

	Stats  StatsFunc
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8089,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// subscriber is one connected client. Frames are queued on send and written
// by the client's own handler goroutine, so a slow client only delays itself.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	kick context.CancelCauseFunc
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	stats    StatsFunc
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	stopped bool
}

// NewServer creates a dashboard server. Call Start to listen.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Host == "" {
		config.Host = DefaultConfig().Host
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		stats:  config.Stats,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Start listens and serves /ws, /health and an index page in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	// Client handlers watch s.ctx and close with StatusGoingAway.
	s.cancel()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client without blocking. A client
// whose queue is full is disconnected rather than allowed to stall the rest.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.send <- frame:
		default:
			s.logger.Println("Client queue full, disconnecting")
			delete(s.subs, sub)
			sub.kick(errSlowClient)
		}
	}
}

// BroadcastData marshals v as the payload of a typ message and broadcasts it.
func (s *Server) BroadcastData(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

// handleWebSocket registers the client and writes its queue until the client
// leaves, is kicked, or the server stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// once the peer hangs up.
	ctx, kick := context.WithCancelCause(conn.CloseRead(s.ctx))
	defer kick(nil)

	sub := &subscriber{conn: conn, send: make(chan []byte, clientQueueSize), kick: kick}
	if welcome, err := json.Marshal(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      s.snapshot(r.Context()),
	}); err == nil {
		sub.send <- welcome
	}

	if !s.register(sub) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()
	defer s.unregister(sub)

	for {
		select {
		case <-ctx.Done():
			switch {
			case s.ctx.Err() != nil:
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			case errors.Is(context.Cause(ctx), errSlowClient):
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
			default:
				_ = conn.CloseNow()
			}
			return
		case frame := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("Failed to send to client: %v", err)
				}
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// register adds sub unless the server is stopping. On success the caller
// owns one s.wg count.
func (s *Server) register(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.subs[sub] = struct{}{}
	s.wg.Add(1)
	s.logger.Printf("Client connected (total: %d)", len(s.subs))
	return true
}

func (s *Server) unregister(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		s.logger.Printf("Client disconnected (total: %d)", len(s.subs))
	}
}

// snapshot collects stats as JSON, or nil when unavailable.
func (s *Server) snapshot(ctx context.Context) json.RawMessage {
	if s.stats == nil {
		return nil
	}
	v, err := s.stats(ctx)
	if err != nil {
		s.logger.Printf("Failed to collect stats: %v", err)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Printf("Failed to marshal stats: %v", err)
		return nil
	}
	return data
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status  string          `json:"status"`
		Clients int             `json:"clients"`
		Stats   json.RawMessage `json:"stats,omitempty"`
	}{"ok", s.ClientCount(), s.snapshot(r.Context())}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>jsync dashboard</title></head>
<body>
  <h1>jsync sync dashboard</h1>
  <p>Events: <code>ws://%s/ws</code> (cycle_complete, record_synced, network_change, session_change, stats)</p>
  <p>Queue stats: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
