// Package session provides the session registry for the tool server.
//
// The session package implements:
//   - Thread-safe session storage and retrieval
//   - Unique session ID generation
//   - Capacity-based admission (backpressure)
//   - Per-session metadata accounting
//   - Session lifecycle state transitions and counters
//
// Core Types:
//
// Store is the registry that admits, transitions and releases sessions.
// Session is a copy of one admitted request's bookkeeping: its IDs, state,
// timestamps, metadata and terminal error.
//
// State Machine:
//
//	ALLOCATED -> PROCESSING -> COMPLETED | ERROR | TIMEOUT
//	ALLOCATED -> TIMEOUT
//
// Terminal sessions stay resident until Release removes them. A session is
// never resurrected or reused.
//
// Concurrency:
//
// The store serializes all bookkeeping behind a single lock. Every operation
// is O(1) (List and Stragglers excepted) and never blocks while holding it.
// The lock is injectable so callers can choose a blocking mutex or a
// cooperative lock. Counters change in the same critical section as the
// state transition they describe, so
//
//	TotalCreated == TotalCompleted + TotalErrored + TotalTimeout + CurrentActive
//
// holds for every snapshot.
//
// Usage:
//
//	store := session.NewStore(session.DefaultConfig())
//
//	sess, err := store.Create(session.Request{Metadata: map[string]any{"tool": "echo"}})
//	if errors.Is(err, session.ErrCapacityExceeded) {
//		// back off and retry
//	}
//
//	_ = store.Start(sess.ID)
//	_ = store.Complete(sess.ID, "ok")
//	_ = store.Release(sess.ID)
package session
