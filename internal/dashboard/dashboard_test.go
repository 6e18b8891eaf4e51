package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/session"
	"github.com/steveyegge/journalsync/internal/syncer"
)

type queueStats struct {
	Unsynced int `json:"unsynced"`
}

func startServer(t *testing.T, stats StatsFunc) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // random available port
		Stats:  stats,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()

	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Addr() = %q, want bound address", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := startServer(t, func(context.Context) (any, error) {
		return queueStats{Unsynced: 3}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
	var qs queueStats
	if err := json.Unmarshal(msg.Data, &qs); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if qs.Unsynced != 3 {
		t.Errorf("Unsynced = %d, want 3", qs.Unsynced)
	}

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMultipleClientsReceiveBroadcast(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = dial(t, ctx, server)
		readMessage(t, ctx, clients[i]) // welcome
	}

	server.BroadcastData(MessageTypeNetworkChange, NetworkChangeData{Online: true})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeNetworkChange {
			t.Errorf("client %d: type = %s, want %s", i, msg.Type, MessageTypeNetworkChange)
		}
	}
}

func TestHandlerEvents(t *testing.T) {
	server := startServer(t, nil)
	h := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)

	h.OnSessionChange(session.Change{From: "", To: "acct-a", At: time.Now()})
	msg := readUntil(t, ctx, conn, MessageTypeSessionChange)
	var change session.Change
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		t.Fatal(err)
	}
	if change.To != "acct-a" {
		t.Errorf("session change To = %q, want acct-a", change.To)
	}

	h.RecordSynced(&record.Record{ID: "r1", OwnerID: "acct-a", Kind: record.KindEntry, UpdatedAt: time.Now()})
	msg = readUntil(t, ctx, conn, MessageTypeRecordSynced)
	var synced RecordSyncedData
	if err := json.Unmarshal(msg.Data, &synced); err != nil {
		t.Fatal(err)
	}
	if synced.ID != "r1" {
		t.Errorf("record_synced ID = %q, want r1", synced.ID)
	}

	h.CycleComplete(syncer.CycleReport{
		Account:   "acct-a",
		Reason:    syncer.ReasonOnline,
		Started:   time.Now(),
		Pushed:    2,
		Applied:   1,
		Conflicts: 1,
	})
	msg = readUntil(t, ctx, conn, MessageTypeCycleComplete)
	var report syncer.CycleReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 2 || report.Reason != syncer.ReasonOnline {
		t.Errorf("cycle report = %+v", report)
	}

	h.OnNetworkChange(false)
	readUntil(t, ctx, conn, MessageTypeNetworkChange)

	totals := h.Totals()
	want := Totals{Cycles: 1, Pushed: 2, Applied: 1, Conflicts: 1, Account: "acct-a", Online: false}
	totals.LastCycle = time.Time{}
	if totals != want {
		t.Errorf("Totals() = %+v, want %+v", totals, want)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t, func(context.Context) (any, error) {
		return queueStats{Unsynced: 7}, nil
	})

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string     `json:"status"`
		Stats  queueStats `json:"stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Stats.Unsynced != 7 {
		t.Errorf("stats.unsynced = %d, want 7", body.Stats.Unsynced)
	}
}

func TestHealthEndpoint_StatsError(t *testing.T) {
	server := startServer(t, func(context.Context) (any, error) {
		return nil, errors.New("store closed")
	})

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["stats"]; ok {
		t.Error("stats present despite collection error")
	}
}

func TestBroadcastAfterStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	if err := server.Stop(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			server.Broadcast(Message{Type: MessageTypeStats})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked after Stop")
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	readMessage(t, ctx, conn)
	if count := server.ClientCount(); count != 1 {
		t.Fatalf("Expected 1 client, got %d", count)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client still registered after disconnect (count %d)", server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Broadcasting with no clients is a no-op.
	server.BroadcastData(MessageTypeNetworkChange, NetworkChangeData{Online: true})
}

func TestStopDisconnectsClients(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)

	stopped := make(chan error, 1)
	go func() { stopped <- server.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return with a client connected")
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected read error after Stop")
	}
	if count := server.ClientCount(); count != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", count)
	}
}
