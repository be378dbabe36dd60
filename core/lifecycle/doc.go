// Package lifecycle records per-request phase transitions for diagnosing
// hangs and measuring latency.
//
// A Logger keeps a bounded, append-only trace of Events. Each event names a
// Phase (RECEIVED, SESSION_ALLOCATED, PROVIDER_CALL_START, ...), the session
// and request it belongs to, and an optional payload. Events outlive the
// session they describe so a request can be inspected after it finished.
//
// Recording is observability only: it never returns an error, never panics
// to the caller and never blocks on observers. Observers are fed by one
// worker through a bounded queue; Close drains it.
//
// Retention is bounded by count and by age. Pruning happens on insert and on
// the periodic sweep started by Run. Reads copy under the logger's lock, so a
// concurrent prune never corrupts a result.
package lifecycle
