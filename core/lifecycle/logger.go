package lifecycle

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxEvents     = 10000
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Minute
	DefaultSinkBuffer    = 1024

	// Number of terminal durations kept for percentile stats.
	durationWindow = 1000
)

// Config bounds the logger's memory use
type Config struct {
	// MaxEvents caps the number of retained events. Oldest are pruned first.
	MaxEvents int
	// Retention prunes events older than this. Zero disables age pruning.
	Retention time.Duration
	// SweepInterval is the period of the background sweep started by Run.
	SweepInterval time.Duration
	// SinkBuffer is the capacity of the observer delivery queue.
	SinkBuffer int
}

// DefaultConfig returns the default retention settings
func DefaultConfig() Config {
	return Config{
		MaxEvents:     DefaultMaxEvents,
		Retention:     DefaultRetention,
		SweepInterval: DefaultSweepInterval,
		SinkBuffer:    DefaultSinkBuffer,
	}
}

// Logger is an append-only, bounded trace of lifecycle events.
// Recording never fails or blocks the caller: observer delivery goes
// through a bounded queue drained by a single worker, and deliveries that
// do not fit are dropped and counted.
type Logger struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu          sync.Mutex
	events      *queue.Queue // Event, oldest at the front
	inFlight    map[string]time.Time
	phaseCounts map[Phase]int64
	durations   *queue.Queue // time.Duration, most recent durationWindow
	pruned      int64

	observer Observer
	sinkMu   sync.RWMutex
	sink     chan Event
	closed   bool
	done     chan struct{}
	dropped  atomic.Int64
}

// NewLogger creates a logger. When observers are given, a delivery worker
// is started and must be stopped with Close.
func NewLogger(cfg Config, log zerolog.Logger, observers ...Observer) *Logger {
	defaults := DefaultConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaults.MaxEvents
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = defaults.SinkBuffer
	}

	l := &Logger{
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		events:      queue.New(),
		inFlight:    make(map[string]time.Time),
		phaseCounts: make(map[Phase]int64),
		durations:   queue.New(),
		done:        make(chan struct{}),
	}

	multi := NewMultiObserver(observers...)
	if multi.Len() == 0 {
		close(l.done)
		return l
	}

	l.observer = multi
	l.sink = make(chan Event, cfg.SinkBuffer)
	go l.deliver()
	return l
}

// RecordEvent appends an event. It never returns an error and never panics;
// internal failures are logged at debug level and swallowed.
func (l *Logger) RecordEvent(phase Phase, sessionID, requestID string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Debug().
				Interface("panic", r).
				Str("phase", string(phase)).
				Str("session_id", sessionID).
				Msg("lifecycle: record failed")
		}
	}()

	event := Event{
		Phase:     phase,
		Timestamp: l.now(),
		SessionID: sessionID,
		RequestID: requestID,
		Payload:   maps.Clone(payload),
	}

	l.mu.Lock()
	l.appendLocked(event)
	l.mu.Unlock()

	l.enqueue(event.clone())
}

// GetEvents returns all retained events for a session in insertion order
func (l *Logger) GetEvents(sessionID string) []Event {
	return l.filter(func(e Event) bool { return e.SessionID == sessionID })
}

// GetRequestEvents returns all retained events for a request ID in insertion order
func (l *Logger) GetRequestEvents(requestID string) []Event {
	return l.filter(func(e Event) bool { return e.RequestID == requestID })
}

// Recent returns up to n of the most recently retained events, oldest first
func (l *Logger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := l.events.Length()
	if n <= 0 || n > total {
		n = total
	}
	result := make([]Event, 0, n)
	for i := total - n; i < total; i++ {
		result = append(result, l.events.Get(i).(Event).clone())
	}
	return result
}

// Prune drops events beyond the count limit or the retention window and
// forgets in-flight requests that have outlived the window.
func (l *Logger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := l.pruneLocked(now)
	if l.cfg.Retention > 0 {
		cutoff := now.Add(-l.cfg.Retention)
		for key, at := range l.inFlight {
			if at.Before(cutoff) {
				delete(l.inFlight, key)
			}
		}
	}
	return removed
}

// Run sweeps on SweepInterval until ctx is done
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Prune(); removed > 0 {
				l.log.Debug().Int("removed", removed).Msg("lifecycle: pruned events")
			}
		}
	}
}

// Close stops observer delivery after draining queued events. Events
// recorded afterwards are retained but not delivered. Safe to call twice.
func (l *Logger) Close() {
	l.sinkMu.Lock()
	if !l.closed {
		l.closed = true
		if l.sink != nil {
			close(l.sink)
		}
	}
	l.sinkMu.Unlock()

	<-l.done
}

// Dropped returns the number of observer deliveries dropped because the
// delivery queue was full.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger) filter(match func(Event) bool) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := []Event{}
	for i := 0; i < l.events.Length(); i++ {
		event := l.events.Get(i).(Event)
		if match(event) {
			result = append(result, event.clone())
		}
	}
	return result
}

func (l *Logger) appendLocked(event Event) {
	l.events.Add(event)
	l.phaseCounts[event.Phase]++

	key := event.key()
	switch {
	case event.Phase == PhaseReceived:
		l.inFlight[key] = event.Timestamp
	case event.Phase.IsTerminal():
		if at, ok := l.inFlight[key]; ok {
			l.durations.Add(event.Timestamp.Sub(at))
			if l.durations.Length() > durationWindow {
				l.durations.Remove()
			}
			delete(l.inFlight, key)
		}
	}

	l.pruneLocked(event.Timestamp)
}

func (l *Logger) pruneLocked(now time.Time) int {
	removed := 0
	for l.events.Length() > l.cfg.MaxEvents {
		l.events.Remove()
		removed++
	}
	if l.cfg.Retention > 0 {
		cutoff := now.Add(-l.cfg.Retention)
		for l.events.Length() > 0 && l.events.Peek().(Event).Timestamp.Before(cutoff) {
			l.events.Remove()
			removed++
		}
	}
	l.pruned += int64(removed)
	return removed
}

func (l *Logger) enqueue(event Event) {
	l.sinkMu.RLock()
	defer l.sinkMu.RUnlock()

	if l.sink == nil || l.closed {
		return
	}
	select {
	case l.sink <- event:
	default:
		l.dropped.Add(1)
		l.log.Debug().
			Str("phase", string(event.Phase)).
			Str("session_id", event.SessionID).
			Msg("lifecycle: delivery queue full, event dropped")
	}
}

func (l *Logger) deliver() {
	defer close(l.done)
	for event := range l.sink {
		l.notify(event)
	}
}

func (l *Logger) notify(event Event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Debug().
				Interface("panic", r).
				Str("phase", string(event.Phase)).
				Msg("lifecycle: observer failed")
		}
	}()
	l.observer.OnEvent(event)
}
