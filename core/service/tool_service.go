package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/manager"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

// toolServiceImpl implements the ToolService interface
type toolServiceImpl struct {
	runner  SessionRunner
	tools   *Registry
	log     zerolog.Logger
	started time.Time
}

// NewToolService creates a tool service that runs every invocation through runner
func NewToolService(runner SessionRunner, tools *Registry, log zerolog.Logger) ToolService {
	if tools == nil {
		tools = DefaultRegistry()
	}
	return &toolServiceImpl{
		runner:  runner,
		tools:   tools,
		log:     log.With().Str("component", "tool_service").Logger(),
		started: time.Now(),
	}
}

// Invoke runs a tool inside its own session. The tool name and arguments
// become the session metadata, so oversized arguments are rejected before
// the tool runs.
func (s *toolServiceImpl) Invoke(ctx context.Context, req InvokeRequest) (*Invocation, error) {
	tool, err := s.tools.Get(req.Tool)
	if err != nil {
		return nil, err
	}

	opts := []manager.ExecOption{
		manager.WithMetadata(map[string]any{
			"tool":      tool.Name(),
			"arguments": req.Arguments,
		}),
		manager.WithEventPayload(map[string]any{"tool": tool.Name()}),
		manager.WithRequestID(req.RequestID),
		manager.WithSessionID(req.SessionID),
	}
	if req.Timeout > 0 {
		opts = append(opts, manager.WithTimeout(req.Timeout))
	}

	args := req.Arguments
	res, err := s.runner.ExecuteWithSession(ctx, func(ctx context.Context) (any, error) {
		return tool.Run(ctx, args)
	}, opts...)
	if err != nil {
		s.logFailure(tool.Name(), err)
		return nil, err
	}

	s.log.Debug().
		Str("tool", tool.Name()).
		Str("session_id", res.SessionID).
		Str("request_id", res.RequestID).
		Dur("duration", res.Duration).
		Msg("tool invocation completed")

	return &Invocation{
		Tool:        tool.Name(),
		SessionID:   res.SessionID,
		RequestID:   res.RequestID,
		Result:      res.Value,
		Duration:    res.Duration,
		DurationMs:  res.Duration.Milliseconds(),
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}, nil
}

func (s *toolServiceImpl) logFailure(tool string, err error) {
	kind := Classify(err)
	var ev *zerolog.Event
	switch kind {
	case KindBusy, KindDraining, KindTimeout:
		ev = s.log.Warn()
	case KindInternal:
		ev = s.log.Error()
	default:
		ev = s.log.Info()
	}
	ev.Err(err).Str("tool", tool).Str("kind", kind.String()).Msg("tool invocation failed")
}

// ListTools describes every registered tool
func (s *toolServiceImpl) ListTools(ctx context.Context) []ToolInfo {
	tools := s.tools.List()
	result := make([]ToolInfo, 0, len(tools))
	for _, tool := range tools {
		result = append(result, ToolInfo{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return result
}

// Metrics returns the session counters
func (s *toolServiceImpl) Metrics(ctx context.Context) session.MetricsSnapshot {
	return s.runner.Metrics()
}

// ActiveSessions returns every resident session, oldest first
func (s *toolServiceImpl) ActiveSessions(ctx context.Context) []session.Session {
	return s.runner.ActiveSessions()
}

// GetSession returns a resident session
func (s *toolServiceImpl) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, ok := s.runner.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	return &sess, nil
}

// SessionEvents returns the lifecycle events recorded for a session
func (s *toolServiceImpl) SessionEvents(ctx context.Context, sessionID string) []lifecycle.Event {
	return s.runner.LifecycleEvents(sessionID)
}

// RecentEvents returns the latest lifecycle events across all sessions
func (s *toolServiceImpl) RecentEvents(ctx context.Context, limit int) []lifecycle.Event {
	return s.runner.RecentEvents(limit)
}

// LifecycleStats returns aggregate lifecycle statistics
func (s *toolServiceImpl) LifecycleStats(ctx context.Context) lifecycle.Stats {
	return s.runner.LifecycleStats()
}

// Health reports whether the server is accepting work
func (s *toolServiceImpl) Health(ctx context.Context) HealthInfo {
	metrics := s.runner.Metrics()
	state := s.runner.State()

	status := "ok"
	if state != manager.StateRunning {
		status = "draining"
	}

	available := int64(metrics.MaxConcurrent) - metrics.Resident
	if available < 0 {
		available = 0
	}

	return HealthInfo{
		Status:    status,
		Model:     string(s.runner.Model()),
		State:     state.String(),
		Active:    metrics.CurrentActive,
		Capacity:  metrics.MaxConcurrent,
		Available: available,
		Uptime:    time.Since(s.started),
	}
}
