package manager

import (
	"time"

	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

// DefaultShutdownTimeout is used when Shutdown is called with a non-positive timeout
const DefaultShutdownTimeout = 10 * time.Second

const forcedShutdownReason = "forced shutdown"

// ShutdownResult describes how a shutdown ended
type ShutdownResult struct {
	// Clean is true when every session finished before the deadline
	Clean bool `json:"clean"`
	// Forced lists the sessions that were timed out by the deadline
	Forced  []string                `json:"forced,omitempty"`
	Waited  time.Duration           `json:"waited_ns"`
	Metrics session.MetricsSnapshot `json:"metrics"`
}

// Outcome returns "clean" or "forced"
func (r ShutdownResult) Outcome() string {
	if r.Clean {
		return "clean"
	}
	return "forced"
}

// Shutdown stops admitting sessions and waits up to timeout for the
// resident ones to drain. Sessions still resident at the deadline are
// marked TIMEOUT and released, and their callers get a forced *TimeoutError.
// Calling Shutdown again after it finished returns the same clean result
// without waiting.
func (m *Manager) Shutdown(timeout time.Duration) ShutdownResult {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()

	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	start := time.Now()

	if m.State() == StateStopped {
		return ShutdownResult{Clean: true, Metrics: m.store.Metrics()}
	}

	m.state.Store(int32(StateDraining))
	drained := m.store.StopAdmission()

	m.log.Info().
		Int("resident", m.store.Count()).
		Dur("timeout", timeout).
		Msg("draining sessions")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	result := ShutdownResult{Clean: true}
	select {
	case <-drained:
	case <-timer.C:
		result.Clean = false
		result.Forced = m.forceStragglers()
	}

	m.state.Store(int32(StateStopped))
	result.Waited = time.Since(start)
	result.Metrics = m.store.Metrics()

	ev := m.log.Info()
	if !result.Clean {
		ev = m.log.Warn().Strs("forced", result.Forced)
	}
	ev.Str("outcome", result.Outcome()).
		Dur("waited", result.Waited).
		Int64("created", result.Metrics.TotalCreated).
		Int64("completed", result.Metrics.TotalCompleted).
		Int64("timeout", result.Metrics.TotalTimeout).
		Msg("session manager stopped")

	return result
}

func (m *Manager) forceStragglers() []string {
	var forced []string
	for _, id := range m.store.Stragglers() {
		sess, ok := m.store.Get(id)
		if !ok {
			continue
		}
		if m.store.ForceTimeout(id, forcedShutdownReason) {
			forced = append(forced, id)
			m.events.RecordEvent(lifecycle.PhaseTimeout, id, sess.RequestID, map[string]any{
				"reason": forcedShutdownReason,
			})
		}
		// The woken executor may release first; only one Release succeeds.
		if err := m.store.Release(id); err == nil {
			m.events.RecordEvent(lifecycle.PhaseSessionReleased, id, sess.RequestID, map[string]any{
				"reason": forcedShutdownReason,
			})
		}
	}
	return forced
}
