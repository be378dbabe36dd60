// Package manager runs tool operations inside isolated, capacity-bounded
// sessions.
//
// A Manager admits each call through a session.Store, records its progress
// with a lifecycle.Logger, runs the operation against a timeout and always
// releases the session afterwards. Two execution models are available:
//
//	thread: store guarded by sync.Mutex; a timed-out operation is abandoned
//	        and keeps running until it returns by itself
//	task:   store guarded by a semaphore lock; the operation's context is
//	        cancelled at the deadline
//
// Both models share the same state machine and error contract:
//
//	session.ErrShutdownInProgress  manager is draining or stopped
//	session.ErrCapacityExceeded    too many resident sessions
//	session.ErrMetadataTooLarge    metadata over the configured limit
//	*OperationError                the operation failed, panicked or the
//	                               caller's context was cancelled
//	*TimeoutError                  the deadline or a forced shutdown ended
//	                               the wait (matches ErrOperationTimeout)
//
// Shutdown stops admission, waits for resident sessions to drain and, at its
// deadline, times out and releases whatever is left.
package manager
