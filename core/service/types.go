package service

import (
	"context"
	"time"

	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/manager"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

// ToolService defines every operation the transports expose
type ToolService interface {
	// Tool invocation
	Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error)
	ListTools(ctx context.Context) []ToolInfo

	// Sessions
	Metrics(ctx context.Context) session.MetricsSnapshot
	ActiveSessions(ctx context.Context) []session.Session
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)

	// Lifecycle
	SessionEvents(ctx context.Context, sessionID string) []lifecycle.Event
	RecentEvents(ctx context.Context, limit int) []lifecycle.Event
	LifecycleStats(ctx context.Context) lifecycle.Stats

	Health(ctx context.Context) HealthInfo
}

// SessionRunner runs operations inside sessions. *manager.Manager
// implements it.
type SessionRunner interface {
	ExecuteWithSession(ctx context.Context, op manager.Operation, opts ...manager.ExecOption) (*manager.Result, error)
	Metrics() session.MetricsSnapshot
	ActiveSessions() []session.Session
	Session(id string) (session.Session, bool)
	LifecycleEvents(sessionID string) []lifecycle.Event
	RecentEvents(n int) []lifecycle.Event
	LifecycleStats() lifecycle.Stats
	State() manager.State
	Model() manager.Model
}

// Tool is a named operation callable through any transport
type Tool interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Run(ctx context.Context, args map[string]any) (any, error)
}

// Parameter describes one tool argument
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string" or "number"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolInfo describes a registered tool
type ToolInfo struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// InvokeRequest is a single tool call
type InvokeRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	// Timeout overrides the server default when positive
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Invocation is the outcome of a successful tool call
type Invocation struct {
	Tool        string        `json:"tool"`
	SessionID   string        `json:"session_id"`
	RequestID   string        `json:"request_id"`
	Result      any           `json:"result"`
	Duration    time.Duration `json:"duration_ns"`
	DurationMs  int64         `json:"duration_ms"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// HealthInfo summarizes whether the server is accepting work
type HealthInfo struct {
	Status    string        `json:"status"` // "ok" or "draining"
	Model     string        `json:"model"`
	State     string        `json:"state"`
	Active    int64         `json:"active_sessions"`
	Capacity  int           `json:"max_concurrent_sessions"`
	Available int64         `json:"available_slots"`
	Uptime    time.Duration `json:"uptime_ns"`
}
