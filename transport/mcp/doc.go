// Package mcp exposes the tool service over the Model Context Protocol.
//
// The mcp package implements:
//   - One MCP tool per registered service tool, with its input schema
//   - Admin tools for session metrics, session events and lifecycle stats
//   - Stdio and HTTP transport modes
//
// MCP Tools:
//
//   - echo, sleep, fail: built-in tools, each run in its own session
//   - session_metrics: session counters and success rate
//   - session_events: lifecycle timeline of one session
//   - lifecycle_stats: phase counts and latency percentiles
//
// Every service tool accepts an optional timeout_ms argument that overrides
// the server's default timeout for that call.
//
// Error Reporting:
//
// Errors are returned as tool results with IsError set, never as protocol
// errors. Capacity rejections read "server busy" so agents know to retry;
// shutdown rejections read "server draining".
//
// Usage:
//
//	srv := mcp.NewServer(toolService, log)
//
//	// Stdio mode
//	srv.ServeStdio()
//
//	// HTTP mode
//	router.Handle("/mcp", srv)
package mcp
