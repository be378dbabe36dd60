package manager

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOperationTimeout  = errors.New("operation timed out")
	ErrOperationPanicked = errors.New("operation panicked")
	ErrNilOperation      = errors.New("operation is nil")
	ErrUnknownModel      = errors.New("unknown execution model")
)

// OperationError wraps an error returned (or panic raised) by an operation,
// or the caller's context error, with the session it ran in.
type OperationError struct {
	SessionID string
	RequestID string
	Duration  time.Duration
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation failed in session %s (request %s) after %s: %v",
		e.SessionID, e.RequestID, e.Duration.Round(time.Millisecond), e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the manager stopped waiting for an operation.
// The operation itself may still be running.
type TimeoutError struct {
	SessionID string
	RequestID string
	Timeout   time.Duration
	// Forced is set when a shutdown deadline, not the operation's own
	// timeout, ended the wait.
	Forced bool
}

func (e *TimeoutError) Error() string {
	if e.Forced {
		return fmt.Sprintf("session %s (request %s) timed out: forced shutdown", e.SessionID, e.RequestID)
	}
	return fmt.Sprintf("session %s (request %s) timed out after %s", e.SessionID, e.RequestID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrOperationTimeout
}
