package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Operation is the unit of work run inside a session. The context carries
// the caller's cancellation; with the task model it is also cancelled when
// the session times out.
type Operation func(ctx context.Context) (any, error)

type outcomeKind int

const (
	outcomeReturned outcomeKind = iota
	outcomeTimeout
	outcomeCanceled
	outcomeAborted
)

type outcome struct {
	kind  outcomeKind
	value any
	err   error
}

// runner races an operation against its deadline, the caller's context and
// the session's abort signal.
type runner func(ctx context.Context, op Operation, timeout time.Duration, abort <-chan struct{}) outcome

// runThread waits for the operation with a deadline timer. On timeout it
// stops waiting; the operation keeps running until it returns by itself.
func runThread(ctx context.Context, op Operation, timeout time.Duration, abort <-chan struct{}) outcome {
	done := make(chan outcome, 1)
	go func() {
		done <- invoke(ctx, op)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out
	case <-timer.C:
		return outcome{kind: outcomeTimeout}
	case <-ctx.Done():
		return outcome{kind: outcomeCanceled}
	case <-abort:
		return outcome{kind: outcomeAborted}
	}
}

// runTask gives the operation a context that is cancelled at the deadline,
// so cooperative operations stop when the session times out.
func runTask(ctx context.Context, op Operation, timeout time.Duration, abort <-chan struct{}) outcome {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		done <- invoke(taskCtx, op)
	}()

	select {
	case out := <-done:
		// Whatever an operation returns after its context ended is discarded,
		// the same as a late result under the thread model.
		if taskCtx.Err() != nil {
			if ctx.Err() != nil {
				return outcome{kind: outcomeCanceled}
			}
			if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
				return outcome{kind: outcomeTimeout}
			}
		}
		return out
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			return outcome{kind: outcomeCanceled}
		}
		return outcome{kind: outcomeTimeout}
	case <-abort:
		return outcome{kind: outcomeAborted}
	}
}

func invoke(ctx context.Context, op Operation) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{kind: outcomeReturned, err: fmt.Errorf("%w: %v", ErrOperationPanicked, r)}
		}
	}()
	value, err := op(ctx)
	return outcome{kind: outcomeReturned, value: value, err: err}
}

// taskLock is a lock built on a weighted semaphore of size one. It is the
// critical section used by the task model.
type taskLock struct {
	sem *semaphore.Weighted
}

func newTaskLock() *taskLock {
	return &taskLock{sem: semaphore.NewWeighted(1)}
}

func (l *taskLock) Lock() {
	// Acquire only fails when its context is done
	_ = l.sem.Acquire(context.Background(), 1)
}

func (l *taskLock) Unlock() {
	l.sem.Release(1)
}
