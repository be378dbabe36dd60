package session

import "time"

// MetricsSnapshot is a consistent copy of the store's counters
type MetricsSnapshot struct {
	TotalCreated         int64         `json:"total_created"`
	TotalCompleted       int64         `json:"total_completed"`
	TotalErrored         int64         `json:"total_errored"`
	TotalTimeout         int64         `json:"total_timeout"`
	TotalRejected        int64         `json:"total_rejected"`
	CurrentActive        int64         `json:"current_active"`
	CurrentMetadataBytes int64         `json:"current_metadata_bytes"`
	Resident             int64         `json:"resident"`
	MaxConcurrent        int           `json:"max_concurrent_sessions"`
	SuccessRate          float64       `json:"success_rate"`
	AverageDuration      time.Duration `json:"average_duration_ns"`
}

// Balanced reports whether every created session is accounted for
// exactly once as either terminal or active.
func (m MetricsSnapshot) Balanced() bool {
	return m.TotalCreated == m.TotalCompleted+m.TotalErrored+m.TotalTimeout+m.CurrentActive
}

// metrics holds the counters. It has no lock of its own: every method must
// be called with the owning Store's lock held.
type metrics struct {
	created, completed, errored, timedOut, rejected int64
	active, metadataBytes                           int64
	completedDuration                               time.Duration
}

func (m *metrics) recordCreated(metadataBytes int) {
	m.created++
	m.active++
	m.metadataBytes += int64(metadataBytes)
}

func (m *metrics) recordRejected() {
	m.rejected++
}

func (m *metrics) recordTerminal(state State, d time.Duration) {
	m.active--
	switch state {
	case StateCompleted:
		m.completed++
		m.completedDuration += d
	case StateError:
		m.errored++
	case StateTimeout:
		m.timedOut++
	}
}

func (m *metrics) recordReleased(metadataBytes int) {
	m.metadataBytes -= int64(metadataBytes)
}

func (m *metrics) snapshot(resident, maxConcurrent int) MetricsSnapshot {
	s := MetricsSnapshot{
		TotalCreated:         m.created,
		TotalCompleted:       m.completed,
		TotalErrored:         m.errored,
		TotalTimeout:         m.timedOut,
		TotalRejected:        m.rejected,
		CurrentActive:        m.active,
		CurrentMetadataBytes: m.metadataBytes,
		Resident:             int64(resident),
		MaxConcurrent:        maxConcurrent,
	}
	if m.created > 0 {
		s.SuccessRate = float64(m.completed) / float64(m.created)
	}
	if m.completed > 0 {
		s.AverageDuration = m.completedDuration / time.Duration(m.completed)
	}
	return s
}
