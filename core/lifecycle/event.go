package lifecycle

import (
	"maps"
	"time"
)

// Phase identifies a step in a request's lifecycle
type Phase string

const (
	PhaseReceived          Phase = "RECEIVED"
	PhaseQueued            Phase = "QUEUED"
	PhaseDequeued          Phase = "DEQUEUED"
	PhaseSessionAllocated  Phase = "SESSION_ALLOCATED"
	PhaseProviderCallStart Phase = "PROVIDER_CALL_START"
	PhaseProviderCallEnd   Phase = "PROVIDER_CALL_END"
	PhaseSessionReleased   Phase = "SESSION_RELEASED"
	PhaseCompleted         Phase = "COMPLETED"
	PhaseTimeout           Phase = "TIMEOUT"
	PhaseError             Phase = "ERROR"
)

// Phases lists every phase in nominal order
func Phases() []Phase {
	return []Phase{
		PhaseReceived,
		PhaseQueued,
		PhaseDequeued,
		PhaseSessionAllocated,
		PhaseProviderCallStart,
		PhaseProviderCallEnd,
		PhaseSessionReleased,
		PhaseCompleted,
		PhaseTimeout,
		PhaseError,
	}
}

// IsTerminal reports whether the phase ends a request
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseTimeout || p == PhaseError
}

// Event is a timestamped phase transition
type Event struct {
	Phase     Phase          `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// key groups events that belong to the same request
func (e Event) key() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.RequestID
}

func (e Event) clone() Event {
	e.Payload = maps.Clone(e.Payload)
	return e
}
