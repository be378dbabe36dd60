package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxConcurrentSessions is the admission limit used when none is configured
const DefaultMaxConcurrentSessions = 200

// Config bounds what the store will admit
type Config struct {
	MaxConcurrentSessions int
	MaxMetadataBytes      int
}

// DefaultConfig returns the default admission limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
		MaxMetadataBytes:      DefaultMaxMetadataBytes,
	}
}

// Store is the registry of active sessions and the single source of truth
// for admission control. Every read and write of the session map and of the
// metrics happens under one lock; no operation blocks while holding it.
type Store struct {
	mu       sync.Locker
	cfg      Config
	sessions map[string]*record
	metrics  metrics

	stopped       bool
	drained       chan struct{}
	drainedClosed bool
}

// NewStore creates a store guarded by a sync.Mutex
func NewStore(cfg Config) *Store {
	return NewStoreWithLocker(cfg, &sync.Mutex{})
}

// NewStoreWithLocker creates a store guarded by the given lock.
// The lock must not be shared with anything else.
func NewStoreWithLocker(cfg Config, mu sync.Locker) *Store {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.MaxMetadataBytes <= 0 {
		cfg.MaxMetadataBytes = DefaultMaxMetadataBytes
	}
	return &Store{
		mu:       mu,
		cfg:      cfg,
		sessions: make(map[string]*record),
	}
}

// Config returns the store's admission limits
func (s *Store) Config() Config {
	return s.cfg
}

// Create admits a new session in state ALLOCATED.
// Metadata size, capacity and admission are checked atomically with insertion.
func (s *Store) Create(req Request) (Session, error) {
	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return Session{}, err
	}
	size := len(metadata)

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Session{}, ErrShutdownInProgress
	}
	if size > s.cfg.MaxMetadataBytes {
		return Session{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMetadataTooLarge, size, s.cfg.MaxMetadataBytes)
	}
	if len(s.sessions) >= s.cfg.MaxConcurrentSessions {
		s.metrics.recordRejected()
		return Session{}, fmt.Errorf("%w: %d of %d sessions in use", ErrCapacityExceeded, len(s.sessions), s.cfg.MaxConcurrentSessions)
	}
	if _, exists := s.sessions[id]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	r := &record{
		Session: Session{
			ID:            id,
			RequestID:     requestID,
			State:         StateAllocated,
			CreatedAt:     time.Now(),
			MetadataBytes: size,
			abort:         make(chan struct{}),
		},
		metadata: metadata,
	}
	s.sessions[id] = r
	s.metrics.recordCreated(size)

	return r.snapshot(), nil
}

// Get returns a copy of the session with the given ID
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.sessions[id]
	if !exists {
		return Session{}, false
	}
	return r.snapshot(), true
}

// List returns copies of all resident sessions, oldest first
func (s *Store) List() []Session {
	s.mu.Lock()
	result := make([]Session, 0, len(s.sessions))
	for _, r := range s.sessions {
		result = append(result, r.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of resident sessions
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start moves a session from ALLOCATED to PROCESSING
func (s *Store) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	if r.State != StateAllocated {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.State)
	}
	r.State = StateProcessing
	r.StartedAt = time.Now()
	return nil
}

// Complete moves a session from PROCESSING to COMPLETED
func (s *Store) Complete(id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	if r.State != StateProcessing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, r.State)
	}
	r.ResultSummary = summary
	s.finishLocked(r, StateCompleted, "")
	return nil
}

// Fail moves a session from PROCESSING to ERROR
func (s *Store) Fail(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	if r.State != StateProcessing {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, r.State)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	s.finishLocked(r, StateError, msg)
	return nil
}

// Timeout moves a session from ALLOCATED or PROCESSING to TIMEOUT
func (s *Store) Timeout(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	s.finishLocked(r, StateTimeout, reason)
	return nil
}

// ForceTimeout marks a live session TIMEOUT and signals its Aborted channel.
// It returns false when the session is absent or already terminal.
func (s *Store) ForceTimeout(id, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.liveLocked(id)
	if err != nil {
		return false
	}
	s.finishLocked(r, StateTimeout, reason)
	if !r.aborted {
		r.aborted = true
		close(r.abort)
	}
	return true
}

// Release removes a session and returns its metadata bytes to the pool.
// A session released before reaching a terminal state is recorded as ERROR
// so the counters stay balanced.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.sessions[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !r.State.IsTerminal() {
		s.finishLocked(r, StateError, fmt.Sprintf("released while %s", r.State))
	}

	delete(s.sessions, id)
	s.metrics.recordReleased(r.MetadataBytes)

	if s.drained != nil && !s.drainedClosed && len(s.sessions) == 0 {
		close(s.drained)
		s.drainedClosed = true
	}
	return nil
}

// StopAdmission makes every later Create fail with ErrShutdownInProgress.
// The returned channel is closed once no sessions remain resident.
func (s *Store) StopAdmission() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	if !s.drainedClosed && len(s.sessions) == 0 {
		close(s.drained)
		s.drainedClosed = true
	}
	return s.drained
}

// Admitting reports whether Create will still accept sessions
func (s *Store) Admitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Stragglers returns the IDs of all resident sessions
func (s *Store) Stragglers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics returns a consistent snapshot of the counters
func (s *Store) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.snapshot(len(s.sessions), s.cfg.MaxConcurrentSessions)
}

// liveLocked returns a resident, non-terminal session
func (s *Store) liveLocked(id string) (*record, error) {
	r, exists := s.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if r.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is already %s", ErrSessionNotFound, id, r.State)
	}
	return r, nil
}

func (s *Store) finishLocked(r *record, state State, errMsg string) {
	r.State = state
	r.CompletedAt = time.Now()
	if errMsg != "" {
		r.Error = errMsg
	}
	s.metrics.recordTerminal(state, r.Duration())
}
