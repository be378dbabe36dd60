package lifecycle

import "github.com/rs/zerolog"

// Observer receives recorded events from the logger's delivery worker.
// Implementations must not block for long; delivery is sequential.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(event Event)

func (f ObserverFunc) OnEvent(event Event) {
	f(event)
}

// MultiObserver fans out events to multiple observers
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a MultiObserver that forwards events to all
// non-nil observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

func (m *MultiObserver) OnEvent(event Event) {
	for _, obs := range m.observers {
		obs.OnEvent(event)
	}
}

// Len returns the number of wrapped observers
func (m *MultiObserver) Len() int {
	return len(m.observers)
}

// LogObserver writes every event to a zerolog logger at debug level
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver creates an observer writing to log
func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log}
}

func (o *LogObserver) OnEvent(event Event) {
	e := o.log.Debug().
		Str("phase", string(event.Phase)).
		Str("session_id", event.SessionID).
		Str("request_id", event.RequestID).
		Time("at", event.Timestamp)
	if len(event.Payload) > 0 {
		e = e.Fields(event.Payload)
	}
	e.Msg("lifecycle event")
}
