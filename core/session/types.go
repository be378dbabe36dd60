package session

import (
	"errors"
	"time"
)

var (
	ErrCapacityExceeded   = errors.New("session capacity exceeded")
	ErrMetadataTooLarge   = errors.New("session metadata too large")
	ErrInvalidMetadata    = errors.New("session metadata is not serializable")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExists      = errors.New("session already exists")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrShutdownInProgress = errors.New("shutdown in progress")
)

// State is the position of a session in its lifecycle
type State string

const (
	StateAllocated  State = "ALLOCATED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateError      State = "ERROR"
	StateTimeout    State = "TIMEOUT"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError || s == StateTimeout
}

// Request describes a session to admit
type Request struct {
	// SessionID is generated when empty.
	SessionID string
	// RequestID is the caller's correlation ID. Generated when empty.
	RequestID string
	Metadata  map[string]any
}

// Session is a point-in-time copy of one admitted request's bookkeeping.
// Values returned by the Store never share memory with the Store.
type Session struct {
	ID            string         `json:"session_id"`
	RequestID     string         `json:"request_id"`
	State         State          `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	MetadataBytes int            `json:"metadata_bytes"`
	Error         string         `json:"error,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`

	abort chan struct{}
}

// Duration returns CompletedAt - StartedAt, or zero until both are set
func (s Session) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// Aborted is closed when the session is force-timed-out by the store.
// Executors select on it so a forced shutdown unblocks the waiting caller.
func (s Session) Aborted() <-chan struct{} {
	return s.abort
}

// record is the store-owned mutable form of a Session
type record struct {
	Session
	// metadata is the JSON measured at admission; Session.Metadata stays nil
	metadata []byte
	aborted  bool
}

func (r *record) snapshot() Session {
	s := r.Session
	s.Metadata = decodeMetadata(r.metadata)
	return s
}
