// Package service provides the tool-invocation layer of the server.
//
// The service package implements:
//   - A registry of named tools with their parameter schemas
//   - Built-in echo, sleep and fail tools
//   - Session-isolated invocation through a SessionRunner
//   - Classification of errors into transport-neutral kinds
//
// Core Interfaces:
//
// ToolService is what the REST, WebSocket and MCP transports call.
// SessionRunner is the session manager as seen by the service.
// Tool is a single callable operation.
//
// Architecture:
//
// The service sits between the transports and the session manager. Every
// Invoke becomes exactly one session: the tool name and arguments are the
// session metadata, the tool's Run is the operation. Admission failures
// (capacity, draining, metadata size) reach the caller unchanged so each
// transport can map them with Classify.
//
// Usage:
//
//	mgr := manager.NewThreadManager(manager.Config{}, events, log)
//	svc := service.NewToolService(mgr, service.DefaultRegistry(), log)
//
//	inv, err := svc.Invoke(ctx, service.InvokeRequest{
//		Tool:      "echo",
//		Arguments: map[string]any{"message": "hello"},
//	})
//	switch service.Classify(err) {
//	case service.KindBusy:
//		// retry later
//	}
package service
