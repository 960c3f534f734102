package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/realtime"
	"github.com/signalcast/signalsync/internal/syncengine/schema"
)

var quiet = log.New(io.Discard, "", 0)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "dash.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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

func waitForClients(t *testing.T, server *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", want, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func storeSignal(t *testing.T, store *db.DB, localID string) {
	t.Helper()
	now := time.Now()
	sig := &schema.Signal{
		LocalID:   localID,
		Question:  "Lunch at noon?",
		Options:   schema.OptionsFromTexts([]string{"Yes", "No"}),
		Consumers: []string{"a@example.com"},
		Deadline:  now.Add(time.Hour),
	}
	sig.SetDefaults(now)
	if _, err := store.UpsertSignalContext(context.Background(), sig); err != nil {
		t.Fatalf("UpsertSignal() failed: %v", err)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeCarriesStats(t *testing.T) {
	store := openStore(t)
	storeSignal(t, store, "sig-1")

	server := startServer(t)
	NewHandler(server, store, quiet)

	conn := dial(t, server)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome type %s, got %s", MessageTypeStats, msg.Type)
	}

	var stats db.Stats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Signals != 1 {
		t.Errorf("Expected 1 signal in stats, got %d", stats.Signals)
	}
	if stats.SignalsBySync["pending"] != 1 {
		t.Errorf("Expected 1 pending signal, got %v", stats.SignalsBySync)
	}
}

func TestSignalChangeBroadcast(t *testing.T) {
	store := openStore(t)
	storeSignal(t, store, "sig-1")

	server := startServer(t)
	handler := NewHandler(server, store, quiet)

	conn := dial(t, server)
	readMessage(t, conn) // welcome
	waitForClients(t, server, 1)

	handler.OnSignalChanged("sig-1", coordinator.ChangeCreated)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSignalUpdate {
		t.Fatalf("Expected %s, got %s", MessageTypeSignalUpdate, msg.Type)
	}
	var update SignalUpdateData
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("Failed to decode update: %v", err)
	}
	if update.LocalID != "sig-1" || update.Action != "created" {
		t.Errorf("Unexpected update: %+v", update)
	}
	if update.Question != "Lunch at noon?" || update.SyncStatus != "pending" {
		t.Errorf("Update missing signal fields: %+v", update)
	}

	if msg := readMessage(t, conn); msg.Type != MessageTypeStats {
		t.Errorf("Expected stats after update, got %s", msg.Type)
	}
}

func TestDeletedSignalBroadcast(t *testing.T) {
	store := openStore(t)
	server := startServer(t)
	handler := NewHandler(server, store, quiet)

	conn := dial(t, server)
	readMessage(t, conn)
	waitForClients(t, server, 1)

	handler.OnSignalChanged("gone", coordinator.ChangeDeleted)

	msg := readMessage(t, conn)
	var update SignalUpdateData
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("Failed to decode update: %v", err)
	}
	if update.Action != "deleted" || update.Question != "" {
		t.Errorf("Unexpected update: %+v", update)
	}
}

func TestSyncCompleteAndChannelState(t *testing.T) {
	store := openStore(t)
	server := startServer(t)
	handler := NewHandler(server, store, quiet)

	conn := dial(t, server)
	readMessage(t, conn)
	waitForClients(t, server, 1)

	handler.OnChannelState(realtime.StateConnected)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeChannelState {
		t.Fatalf("Expected %s, got %s", MessageTypeChannelState, msg.Type)
	}
	var state ChannelStateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if state.State != "connected" {
		t.Errorf("Expected connected, got %q", state.State)
	}

	// An unchanged run is not followed by stats.
	handler.OnSyncComplete(coordinator.Report{Passes: 1, Duration: 1500 * time.Millisecond})
	msg = readMessage(t, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncComplete, msg.Type)
	}
	var done SyncCompleteData
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if done.Passes != 1 || done.DurationMS != 1500 {
		t.Errorf("Unexpected report: %+v", done)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)

	numClients := 3
	clients := make([]*websocket.Conn, numClients)
	for i := range clients {
		clients[i] = dial(t, server)
	}
	waitForClients(t, server, numClients)

	msg, err := NewMessage(MessageTypeChannelState, ChannelStateData{State: "connecting"})
	if err != nil {
		t.Fatalf("NewMessage() failed: %v", err)
	}
	server.Broadcast(msg)

	for i, conn := range clients {
		got := readMessage(t, conn)
		if got.Type != MessageTypeChannelState {
			t.Errorf("Client %d: expected %s, got %s", i, MessageTypeChannelState, got.Type)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t)

	conn := dial(t, server)
	waitForClients(t, server, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 0)
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	// Not started: nothing drains the queue.
	server := NewServer(&Config{Port: 0, Logger: quiet})

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(server.broadcast)+10; i++ {
			server.Broadcast(Message{Type: MessageTypeStats})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
	if got := len(server.broadcast); got != cap(server.broadcast) {
		t.Errorf("Expected full queue (%d), got %d", cap(server.broadcast), got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quiet})

	rec := httptest.NewRecorder()
	server.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" || body["clients"] != float64(0) {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestRootNotFound(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quiet})

	rec := httptest.NewRecorder()
	server.handleRoot(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}
