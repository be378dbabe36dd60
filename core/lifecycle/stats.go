package lifecycle

import (
	"math"
	"sort"
	"time"
)

// Stats aggregates the recorded lifecycle
type Stats struct {
	// PhaseCounts counts every event recorded since start, including pruned ones.
	PhaseCounts map[Phase]int64 `json:"phase_counts"`
	// ActiveRequests have a RECEIVED event but no terminal event yet.
	ActiveRequests int   `json:"active_requests"`
	Retained       int   `json:"retained_events"`
	Pruned         int64 `json:"pruned_events"`
	Dropped        int64 `json:"dropped_deliveries"`

	// Durations are measured from RECEIVED to the terminal event over the
	// most recent terminal requests.
	Samples         int           `json:"duration_samples"`
	AverageDuration time.Duration `json:"average_duration_ns"`
	P50Duration     time.Duration `json:"p50_duration_ns"`
	P95Duration     time.Duration `json:"p95_duration_ns"`
	P99Duration     time.Duration `json:"p99_duration_ns"`
}

// GetStats returns counts per phase, active requests and duration percentiles
func (l *Logger) GetStats() Stats {
	l.mu.Lock()
	stats := Stats{
		PhaseCounts:    make(map[Phase]int64, len(l.phaseCounts)),
		ActiveRequests: len(l.inFlight),
		Retained:       l.events.Length(),
		Pruned:         l.pruned,
	}
	for phase, n := range l.phaseCounts {
		stats.PhaseCounts[phase] = n
	}
	durations := make([]time.Duration, l.durations.Length())
	for i := range durations {
		durations[i] = l.durations.Get(i).(time.Duration)
	}
	l.mu.Unlock()

	stats.Dropped = l.dropped.Load()
	stats.Samples = len(durations)
	if len(durations) == 0 {
		return stats
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	stats.AverageDuration = total / time.Duration(len(durations))
	stats.P50Duration = percentile(durations, 0.50)
	stats.P95Duration = percentile(durations, 0.95)
	stats.P99Duration = percentile(durations, 0.99)
	return stats
}

// percentile uses the nearest-rank method on sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
