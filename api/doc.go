// Package api provides the REST interface of the tool server.
//
// The api package implements:
//   - Tool listing and invocation
//   - Session and lifecycle inspection
//   - Health and metrics endpoints
//   - WebSocket upgrade for live lifecycle events
//
// REST Endpoints:
//
// Health:
//   - GET /api/health - Admission state; 503 while draining
//   - GET /api/metrics - Session counters
//
// Tools:
//   - GET /api/tools - List registered tools
//   - POST /api/tools/{name}/invoke - Run a tool in a new session
//
// Sessions:
//   - GET /api/sessions - List resident sessions
//   - GET /api/sessions/{id} - Get a resident session
//   - GET /api/sessions/{id}/events - Lifecycle events of a session
//
// Lifecycle:
//   - GET /api/lifecycle/stats - Phase counts and latency percentiles
//   - GET /api/lifecycle/events?limit=N - Most recent events
//
// WebSocket:
//   - GET /ws?session_id={id} - Stream lifecycle events (all sessions without session_id)
//
// Request Format:
//
// Invocation body:
//
//	{
//	  "arguments": {"message": "hello"},
//	  "request_id": "optional correlation ID",
//	  "timeout_ms": 5000
//	}
//
// Error Responses:
//
//	{"error": "session capacity exceeded: …", "kind": "busy"}
//
// Status codes by kind:
//   - busy: 503 with Retry-After
//   - draining: 503
//   - payload_too_large: 413
//   - invalid: 400
//   - not_found: 404
//   - timeout: 504
//   - operation: 502
//   - internal: 500
//
// Usage:
//
//	srv := api.NewServer(toolService, hub, log)
//	srv.Mount("/mcp", mcpServer)
//	http.ListenAndServe(":8080", srv)
package api
