package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

// DefaultTimeout bounds an operation when neither the caller nor the config
// sets a timeout.
const DefaultTimeout = 60 * time.Second

// Model selects how the manager serializes bookkeeping and enforces timeouts
type Model string

const (
	// ModelThread uses a blocking mutex and stops waiting at the deadline.
	ModelThread Model = "thread"
	// ModelTask uses a semaphore lock and cancels the operation's context at
	// the deadline.
	ModelTask Model = "task"
)

// State is the manager's own lifecycle: RUNNING -> DRAINING -> STOPPED
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Manager
type Config struct {
	Session        session.Config
	DefaultTimeout time.Duration
}

// Result is an operation's value with the session context it ran in
type Result struct {
	Value       any           `json:"value"`
	SessionID   string        `json:"session_id"`
	RequestID   string        `json:"request_id"`
	Duration    time.Duration `json:"duration_ns"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Manager admits, runs and finalizes sessions. Both execution models share
// this type and its state machine; they differ only in the store's lock and
// in how the timeout race is run.
type Manager struct {
	model  Model
	cfg    Config
	store  *session.Store
	events *lifecycle.Logger
	log    zerolog.Logger
	run    runner

	state      atomic.Int32
	shutdownMu sync.Mutex
}

// NewThreadManager creates a manager for callers running on their own
// goroutines. Timed-out operations are abandoned, not cancelled.
func NewThreadManager(cfg Config, events *lifecycle.Logger, log zerolog.Logger) *Manager {
	store := session.NewStoreWithLocker(cfg.Session, &sync.Mutex{})
	return newManager(ModelThread, cfg, store, events, log, runThread)
}

// NewTaskManager creates a manager whose operations receive a context that
// is cancelled when their session times out.
func NewTaskManager(cfg Config, events *lifecycle.Logger, log zerolog.Logger) *Manager {
	store := session.NewStoreWithLocker(cfg.Session, newTaskLock())
	return newManager(ModelTask, cfg, store, events, log, runTask)
}

// New creates a manager for the named model
func New(model Model, cfg Config, events *lifecycle.Logger, log zerolog.Logger) (*Manager, error) {
	switch model {
	case ModelThread, "":
		return NewThreadManager(cfg, events, log), nil
	case ModelTask:
		return NewTaskManager(cfg, events, log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
}

func newManager(model Model, cfg Config, store *session.Store, events *lifecycle.Logger, log zerolog.Logger, run runner) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	cfg.Session = store.Config()
	if events == nil {
		events = lifecycle.NewLogger(lifecycle.DefaultConfig(), log)
	}
	return &Manager{
		model:  model,
		cfg:    cfg,
		store:  store,
		events: events,
		log:    log.With().Str("component", "session_manager").Str("model", string(model)).Logger(),
		run:    run,
	}
}

// ExecuteWithSession runs op inside a new session.
//
// Admission errors (session.ErrShutdownInProgress, session.ErrCapacityExceeded,
// session.ErrMetadataTooLarge) are returned unchanged. An error or panic from
// op is returned as *OperationError, a missed deadline as *TimeoutError. The
// session is released on every path.
func (m *Manager) ExecuteWithSession(ctx context.Context, op Operation, opts ...ExecOption) (*Result, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	o := execOptions{timeout: m.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = m.cfg.DefaultTimeout
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	if o.requestID == "" {
		o.requestID = uuid.NewString()
	}

	if m.State() != StateRunning {
		return nil, session.ErrShutdownInProgress
	}

	received := mergePayload(o.payload, map[string]any{
		"model":      string(m.model),
		"timeout_ms": o.timeout.Milliseconds(),
	})

	sess, err := m.store.Create(session.Request{
		SessionID: o.sessionID,
		RequestID: o.requestID,
		Metadata:  o.metadata,
	})
	if err != nil {
		// The requested session ID may belong to a live session, so a
		// rejection is keyed by request ID only.
		m.events.RecordEvent(lifecycle.PhaseReceived, "", o.requestID, received)
		m.events.RecordEvent(lifecycle.PhaseError, "", o.requestID, map[string]any{
			"stage":      "admission",
			"session_id": o.sessionID,
			"error":      err.Error(),
		})
		m.log.Debug().Err(err).Str("request_id", o.requestID).Msg("admission rejected")
		return nil, err
	}
	defer m.release(sess)

	m.events.RecordEvent(lifecycle.PhaseReceived, sess.ID, sess.RequestID, received)
	m.events.RecordEvent(lifecycle.PhaseSessionAllocated, sess.ID, sess.RequestID, nil)

	if err := m.store.Start(sess.ID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, m.forcedTimeout(sess, o.timeout)
		}
		return nil, &OperationError{SessionID: sess.ID, RequestID: sess.RequestID, Err: err}
	}
	m.events.RecordEvent(lifecycle.PhaseProviderCallStart, sess.ID, sess.RequestID, o.payload)

	out := m.run(ctx, op, o.timeout, sess.Aborted())

	switch out.kind {
	case outcomeReturned:
		m.events.RecordEvent(lifecycle.PhaseProviderCallEnd, sess.ID, sess.RequestID, nil)
		if out.err != nil {
			return nil, m.fail(sess, out.err, o.timeout)
		}
		return m.complete(sess, out.value, o.timeout)
	case outcomeCanceled:
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return nil, m.fail(sess, cause, o.timeout)
	case outcomeAborted:
		return nil, m.forcedTimeout(sess, o.timeout)
	default:
		return nil, m.timeout(sess, o.timeout)
	}
}

func (m *Manager) complete(sess session.Session, value any, timeout time.Duration) (*Result, error) {
	if err := m.store.Complete(sess.ID, fmt.Sprintf("%T", value)); err != nil {
		// A forced shutdown got there first; its TIMEOUT stands.
		return nil, m.forcedTimeout(sess, timeout)
	}

	final, _ := m.store.Get(sess.ID)
	m.events.RecordEvent(lifecycle.PhaseCompleted, sess.ID, sess.RequestID, map[string]any{
		"duration_ms": final.Duration().Milliseconds(),
	})

	return &Result{
		Value:       value,
		SessionID:   sess.ID,
		RequestID:   sess.RequestID,
		Duration:    final.Duration(),
		StartedAt:   final.StartedAt,
		CompletedAt: final.CompletedAt,
	}, nil
}

func (m *Manager) fail(sess session.Session, cause error, timeout time.Duration) error {
	if err := m.store.Fail(sess.ID, cause); err != nil {
		return m.forcedTimeout(sess, timeout)
	}

	final, _ := m.store.Get(sess.ID)
	m.events.RecordEvent(lifecycle.PhaseError, sess.ID, sess.RequestID, map[string]any{
		"stage":       "operation",
		"error":       cause.Error(),
		"duration_ms": final.Duration().Milliseconds(),
	})

	return &OperationError{
		SessionID: sess.ID,
		RequestID: sess.RequestID,
		Duration:  final.Duration(),
		Err:       cause,
	}
}

func (m *Manager) timeout(sess session.Session, timeout time.Duration) error {
	reason := fmt.Sprintf("deadline of %s exceeded", timeout)
	if err := m.store.Timeout(sess.ID, reason); err != nil {
		return m.forcedTimeout(sess, timeout)
	}

	m.events.RecordEvent(lifecycle.PhaseTimeout, sess.ID, sess.RequestID, map[string]any{
		"timeout_ms": timeout.Milliseconds(),
	})
	m.log.Warn().
		Str("session_id", sess.ID).
		Str("request_id", sess.RequestID).
		Dur("timeout", timeout).
		Msg("operation timed out; result will be discarded")

	return &TimeoutError{SessionID: sess.ID, RequestID: sess.RequestID, Timeout: timeout}
}

// forcedTimeout reports a session that Shutdown already marked TIMEOUT
func (m *Manager) forcedTimeout(sess session.Session, timeout time.Duration) error {
	return &TimeoutError{SessionID: sess.ID, RequestID: sess.RequestID, Timeout: timeout, Forced: true}
}

func (m *Manager) release(sess session.Session) {
	if err := m.store.Release(sess.ID); err != nil {
		// Released by a forced shutdown
		m.log.Debug().Err(err).Str("session_id", sess.ID).Msg("session already released")
		return
	}
	m.events.RecordEvent(lifecycle.PhaseSessionReleased, sess.ID, sess.RequestID, nil)
}

// State returns the manager's lifecycle state
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Model returns the execution model
func (m *Manager) Model() Model {
	return m.model
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Metrics returns a consistent snapshot of the session counters
func (m *Manager) Metrics() session.MetricsSnapshot {
	return m.store.Metrics()
}

// ActiveSessions returns copies of all resident sessions
func (m *Manager) ActiveSessions() []session.Session {
	return m.store.List()
}

// Session returns a copy of a resident session
func (m *Manager) Session(id string) (session.Session, bool) {
	return m.store.Get(id)
}

// LifecycleEvents returns the recorded events for a session, including
// sessions that have already been released.
func (m *Manager) LifecycleEvents(sessionID string) []lifecycle.Event {
	return m.events.GetEvents(sessionID)
}

// RecentEvents returns up to n of the most recent lifecycle events across
// all sessions, oldest first. n <= 0 returns everything retained.
func (m *Manager) RecentEvents(n int) []lifecycle.Event {
	return m.events.Recent(n)
}

// RequestEvents returns the recorded events for a request ID. Requests
// rejected at admission are only reachable this way.
func (m *Manager) RequestEvents(requestID string) []lifecycle.Event {
	return m.events.GetRequestEvents(requestID)
}

// LifecycleStats returns aggregate lifecycle statistics
func (m *Manager) LifecycleStats() lifecycle.Stats {
	return m.events.GetStats()
}

func mergePayload(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
