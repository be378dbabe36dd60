package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
)

func newTestClient(hub *Hub, sessionID string) *Client {
	return &Client{
		hub:       hub,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	if hub.sessions == nil {
		t.Error("Hub sessions map is nil")
	}
	if hub.broadcast == nil || cap(hub.broadcast) != broadcastBuffer {
		t.Error("Hub broadcast channel should be buffered")
	}
	if hub.register == nil || hub.unregister == nil {
		t.Error("Hub register/unregister channels are nil")
	}
}

func TestHubRegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "test-session")

	hub.registerClient(client)

	if !hub.sessions["test-session"][client] {
		t.Error("Client was not registered in session")
	}
	if hub.ClientCount("test-session") != 1 {
		t.Errorf("Expected 1 client in session, got %d", hub.ClientCount("test-session"))
	}
}

func TestHubUnregisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "test-session")

	hub.registerClient(client)
	hub.unregisterClient(client)

	if _, exists := hub.sessions["test-session"]; exists {
		t.Error("Session should have been cleaned up after last client unregistered")
	}
	if _, ok := <-client.send; ok {
		t.Error("Expected send channel to be closed")
	}

	// A second unregister is a no-op
	hub.unregisterClient(client)
}

func TestHubBroadcastMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	subscriber := newTestClient(hub, "s-1")
	other := newTestClient(hub, "s-2")
	watcher := newTestClient(hub, AllSessions)
	hub.registerClient(subscriber)
	hub.registerClient(other)
	hub.registerClient(watcher)

	hub.broadcastMessage(&Message{SessionID: "s-1", Event: "custom-event", Data: "test-data"})

	for name, client := range map[string]*Client{"subscriber": subscriber, "watcher": watcher} {
		select {
		case data := <-client.send:
			var message Message
			if err := json.Unmarshal(data, &message); err != nil {
				t.Fatalf("Failed to unmarshal message: %v", err)
			}
			if message.SessionID != "s-1" || message.Event != "custom-event" || message.Data != "test-data" {
				t.Errorf("%s: unexpected message %+v", name, message)
			}
		default:
			t.Errorf("%s: expected a message", name)
		}
	}

	select {
	case <-other.send:
		t.Error("Client of another session should not receive the message")
	default:
	}
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{hub: hub, sessionID: "s", send: make(chan []byte)}
	hub.registerClient(slow)

	hub.broadcastMessage(&Message{SessionID: "s", Event: "x"})

	if hub.ClientCount("s") != 0 {
		t.Error("Expected slow client to be unregistered")
	}
}

func TestHubOnEventNeverBlocks(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	// No Run loop: the queue fills and the rest are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.OnEvent(lifecycle.Event{Phase: lifecycle.PhaseReceived, SessionID: "s"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked")
	}
	if hub.Dropped() != 10 {
		t.Errorf("Expected 10 dropped, got %d", hub.Dropped())
	}
}

func TestHubRunStopsOnContext(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "s")
	hub.registerClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if hub.ClientCount("s") != 0 {
		t.Error("Expected clients to be closed on stop")
	}
}

func TestHubDeliversQueuedEventsOnStop(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	all := newTestClient(hub, AllSessions)
	other := newTestClient(hub, "s")
	hub.registerClient(all)
	hub.registerClient(other)

	hub.BroadcastEvent(AllSessions, EventShutdown, map[string]any{"clean": true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hub.Run(ctx)

	data, ok := <-all.send
	if !ok {
		t.Fatal("Expected the shutdown event before the client was closed")
	}
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if message.Event != EventShutdown || message.SessionID != AllSessions {
		t.Errorf("Unexpected message: %+v", message)
	}
	if _, ok := <-all.send; ok {
		t.Error("Expected client closed after the flush")
	}
	if _, ok := <-other.send; ok {
		t.Error("Expected session subscribers not to receive the shutdown event")
	}
}

func startHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("session_id"))
	}))
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForClients(t *testing.T, hub *Hub, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount(sessionID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients for %s, got %d", want, sessionID, hub.ClientCount(sessionID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketUpgrade(t *testing.T) {
	hub, wsURL := startHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session_id=ws-test", nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	waitForClients(t, hub, "ws-test", 1)

	conn.Close()
	waitForClients(t, hub, "ws-test", 0)
}

func TestWebSocketLifecycleStream(t *testing.T) {
	hub, wsURL := startHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, AllSessions, 1)

	hub.OnEvent(lifecycle.Event{
		Phase:     lifecycle.PhaseSessionAllocated,
		Timestamp: time.Now(),
		SessionID: "sess-9",
		RequestID: "req-9",
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read WebSocket message: %v", err)
	}

	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if message.Event != EventLifecycle || message.SessionID != "sess-9" {
		t.Errorf("Unexpected message: %+v", message)
	}
	if message.Lifecycle == nil || message.Lifecycle.Phase != lifecycle.PhaseSessionAllocated {
		t.Errorf("Expected SESSION_ALLOCATED event, got %+v", message.Lifecycle)
	}
}
