// Package websocket streams session lifecycle events to WebSocket clients.
//
// The websocket package implements:
//   - Per-session and all-session subscriptions
//   - Non-blocking fan-out of lifecycle events
//   - Connection lifecycle management with ping/pong keepalive
//
// Architecture:
//
// The package uses a hub-and-spoke model where a central Hub manages all
// WebSocket connections. Each client connection is handled by a read and a
// write goroutine. The Hub is a lifecycle.Observer: the lifecycle logger's
// delivery worker calls OnEvent, which only queues the event. A full queue
// drops events instead of slowing down request handling, and a client that
// cannot keep up is disconnected.
//
// Message Protocol:
//
// Outgoing messages are JSON:
//
//	{"session_id": "…", "event": "lifecycle", "lifecycle": {"phase": "COMPLETED", …}}
//
// Incoming messages are ignored.
//
// Session Integration:
//
// Clients pick a session with ?session_id=… when connecting. Without it
// they receive every session's events.
//
// Usage:
//
//	hub := websocket.NewHub(log)
//	go hub.Run(ctx)
//
//	events := lifecycle.NewLogger(cfg, log, hub)
//	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//		hub.ServeWS(w, r, r.URL.Query().Get("session_id"))
//	})
package websocket
