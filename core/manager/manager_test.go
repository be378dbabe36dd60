package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

// forEachModel runs the same contract test against both execution models
func forEachModel(t *testing.T, test func(t *testing.T, newManager func(cfg Config) *Manager)) {
	t.Helper()
	models := []Model{ModelThread, ModelTask}
	for _, model := range models {
		model := model
		t.Run(string(model), func(t *testing.T) {
			test(t, func(cfg Config) *Manager {
				events := lifecycle.NewLogger(lifecycle.DefaultConfig(), zerolog.Nop())
				t.Cleanup(events.Close)
				m, err := New(model, cfg, events, zerolog.Nop())
				if err != nil {
					t.Fatalf("Failed to create manager: %v", err)
				}
				return m
			})
		})
	}
}

// gate returns a channel that blocked operations wait on. It is closed when
// the test ends so no goroutine outlives it.
func gate(t *testing.T) chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(ch) }) })
	return ch
}

func phasesOf(events []lifecycle.Event) []lifecycle.Phase {
	phases := make([]lifecycle.Phase, len(events))
	for i, e := range events {
		phases[i] = e.Phase
	}
	return phases
}

func assertPhases(t *testing.T, got []lifecycle.Event, want ...lifecycle.Phase) {
	t.Helper()
	phases := phasesOf(got)
	if len(phases) != len(want) {
		t.Fatalf("Expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("Expected phases %v, got %v", want, phases)
		}
	}
}

func assertDrained(t *testing.T, m *Manager) {
	t.Helper()
	metrics := m.Metrics()
	if !metrics.Balanced() {
		t.Errorf("Counters out of balance: %+v", metrics)
	}
	if metrics.CurrentActive != 0 || metrics.Resident != 0 {
		t.Errorf("Expected no live sessions, got active=%d resident=%d", metrics.CurrentActive, metrics.Resident)
	}
	if metrics.CurrentMetadataBytes != 0 {
		t.Errorf("Expected metadata bytes to return to 0, got %d", metrics.CurrentMetadataBytes)
	}
}

func TestExecuteWithSession_Success(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})

		res, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
			return "pong", nil
		},
			WithSessionID("sess-1"),
			WithRequestID("req-1"),
			WithMetadata(map[string]any{"user": "alice"}),
		)
		if err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		if res.Value != "pong" {
			t.Errorf("Expected value pong, got %v", res.Value)
		}
		if res.SessionID != "sess-1" || res.RequestID != "req-1" {
			t.Errorf("Expected IDs to be kept, got %s/%s", res.SessionID, res.RequestID)
		}
		if res.CompletedAt.Before(res.StartedAt) {
			t.Error("Expected CompletedAt after StartedAt")
		}

		if _, ok := m.Session("sess-1"); ok {
			t.Error("Expected session to be released after return")
		}
		assertPhases(t, m.LifecycleEvents("sess-1"),
			lifecycle.PhaseReceived,
			lifecycle.PhaseSessionAllocated,
			lifecycle.PhaseProviderCallStart,
			lifecycle.PhaseProviderCallEnd,
			lifecycle.PhaseCompleted,
			lifecycle.PhaseSessionReleased,
		)

		metrics := m.Metrics()
		if metrics.TotalCreated != 1 || metrics.TotalCompleted != 1 {
			t.Errorf("Expected 1 created and completed, got %+v", metrics)
		}
		if metrics.SuccessRate != 1 {
			t.Errorf("Expected success rate 1, got %v", metrics.SuccessRate)
		}
		assertDrained(t, m)
	})
}

func TestExecuteWithSession_OperationError(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		boom := errors.New("provider unavailable")

		_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
			return nil, boom
		}, WithSessionID("s-err"))

		var opErr *OperationError
		if !errors.As(err, &opErr) {
			t.Fatalf("Expected *OperationError, got %T: %v", err, err)
		}
		if !errors.Is(err, boom) {
			t.Error("Expected the operation's error to be wrapped")
		}
		if opErr.SessionID != "s-err" {
			t.Errorf("Expected session ID in error, got %q", opErr.SessionID)
		}

		assertPhases(t, m.LifecycleEvents("s-err"),
			lifecycle.PhaseReceived,
			lifecycle.PhaseSessionAllocated,
			lifecycle.PhaseProviderCallStart,
			lifecycle.PhaseProviderCallEnd,
			lifecycle.PhaseError,
			lifecycle.PhaseSessionReleased,
		)
		if m.Metrics().TotalErrored != 1 {
			t.Errorf("Expected 1 errored, got %d", m.Metrics().TotalErrored)
		}
		assertDrained(t, m)
	})
}

func TestExecuteWithSession_Panic(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})

		_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
			panic("nil map write")
		})
		if !errors.Is(err, ErrOperationPanicked) {
			t.Fatalf("Expected ErrOperationPanicked, got %v", err)
		}
		if m.Metrics().TotalErrored != 1 {
			t.Errorf("Expected panic to count as errored, got %+v", m.Metrics())
		}
		assertDrained(t, m)
	})
}

func TestExecuteWithSession_Timeout(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		block := gate(t)

		start := time.Now()
		_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}, WithSessionID("slow"), WithTimeout(20*time.Millisecond))

		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Expected timeout near 20ms, took %v", elapsed)
		}
		if !errors.Is(err, ErrOperationTimeout) {
			t.Fatalf("Expected ErrOperationTimeout, got %v", err)
		}
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) || timeoutErr.Forced {
			t.Errorf("Expected unforced *TimeoutError, got %#v", err)
		}

		assertPhases(t, m.LifecycleEvents("slow"),
			lifecycle.PhaseReceived,
			lifecycle.PhaseSessionAllocated,
			lifecycle.PhaseProviderCallStart,
			lifecycle.PhaseTimeout,
			lifecycle.PhaseSessionReleased,
		)
		if m.Metrics().TotalTimeout != 1 {
			t.Errorf("Expected 1 timeout, got %d", m.Metrics().TotalTimeout)
		}
		assertDrained(t, m)
	})
}

func TestTaskModel_CancelsOperationAtDeadline(t *testing.T) {
	m := NewTaskManager(Config{}, nil, zerolog.Nop())
	cancelled := make(chan struct{})

	_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}, WithTimeout(10*time.Millisecond))
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Expected the operation's context to be cancelled")
	}
}

func TestThreadModel_AbandonsOperationAtDeadline(t *testing.T) {
	m := NewThreadManager(Config{}, nil, zerolog.Nop())
	block := make(chan struct{})
	ctxErr := make(chan error, 1)

	_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		ctxErr <- ctx.Err()
		return "late", nil
	}, WithTimeout(10*time.Millisecond))
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}

	close(block)
	select {
	case err := <-ctxErr:
		if err != nil {
			t.Errorf("Expected operation context to stay live, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Abandoned operation never finished")
	}

	// The late result must not change the recorded outcome
	metrics := m.Metrics()
	if metrics.TotalTimeout != 1 || metrics.TotalCompleted != 0 {
		t.Errorf("Expected late result to be discarded, got %+v", metrics)
	}
}

func TestExecuteWithSession_CallerCancel(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		block := gate(t)
		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})

		go func() {
			<-started
			cancel()
		}()

		_, err := m.ExecuteWithSession(ctx, func(ctx context.Context) (any, error) {
			close(started)
			<-block
			return nil, nil
		}, WithTimeout(time.Minute))

		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			t.Errorf("Expected *OperationError, got %T", err)
		}
		if m.Metrics().TotalErrored != 1 {
			t.Errorf("Expected cancellation to count as errored, got %+v", m.Metrics())
		}
		assertDrained(t, m)
	})
}

func TestExecuteWithSession_MetadataTooLarge(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{Session: session.Config{MaxMetadataBytes: 64}})
		called := false

		big := map[string]any{"blob": string(make([]byte, 128))}
		_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
			called = true
			return nil, nil
		}, WithSessionID("big"), WithRequestID("req-big"), WithMetadata(big))

		if !errors.Is(err, session.ErrMetadataTooLarge) {
			t.Fatalf("Expected ErrMetadataTooLarge, got %v", err)
		}
		if called {
			t.Error("Expected operation not to run")
		}

		metrics := m.Metrics()
		if metrics.TotalCreated != 0 || metrics.TotalRejected != 0 {
			t.Errorf("Expected no counter changes, got %+v", metrics)
		}
		assertPhases(t, m.RequestEvents("req-big"), lifecycle.PhaseReceived, lifecycle.PhaseError)
		if got := m.LifecycleEvents("big"); len(got) != 0 {
			t.Errorf("Expected no events under the rejected session ID, got %v", phasesOf(got))
		}
		if stats := m.LifecycleStats(); stats.ActiveRequests != 0 {
			t.Errorf("Expected no active requests, got %d", stats.ActiveRequests)
		}
	})
}

func TestExecuteWithSession_DuplicateSessionID(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		block := make(chan struct{})
		started := make(chan struct{})
		errc := make(chan error, 1)

		go func() {
			_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
				close(started)
				<-block
				return "done", nil
			}, WithSessionID("shared"), WithRequestID("req-live"))
			errc <- err
		}()
		<-started

		_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
			t.Error("Expected duplicate operation not to run")
			return nil, nil
		}, WithSessionID("shared"), WithRequestID("req-dup"))
		if !errors.Is(err, session.ErrSessionExists) {
			t.Fatalf("Expected ErrSessionExists, got %v", err)
		}

		assertPhases(t, m.RequestEvents("req-dup"), lifecycle.PhaseReceived, lifecycle.PhaseError)
		assertPhases(t, m.LifecycleEvents("shared"),
			lifecycle.PhaseReceived,
			lifecycle.PhaseSessionAllocated,
			lifecycle.PhaseProviderCallStart,
		)
		if stats := m.LifecycleStats(); stats.ActiveRequests != 1 || stats.Samples != 1 {
			t.Errorf("Expected the live request still active, got active=%d samples=%d",
				stats.ActiveRequests, stats.Samples)
		}

		close(block)
		if err := <-errc; err != nil {
			t.Fatalf("Live session failed: %v", err)
		}

		assertPhases(t, m.LifecycleEvents("shared"),
			lifecycle.PhaseReceived,
			lifecycle.PhaseSessionAllocated,
			lifecycle.PhaseProviderCallStart,
			lifecycle.PhaseProviderCallEnd,
			lifecycle.PhaseCompleted,
			lifecycle.PhaseSessionReleased,
		)
		stats := m.LifecycleStats()
		if stats.ActiveRequests != 0 || stats.Samples != 2 {
			t.Errorf("Expected both requests measured, got active=%d samples=%d",
				stats.ActiveRequests, stats.Samples)
		}
		assertDrained(t, m)
	})
}

func TestExecuteWithSession_NilOperation(t *testing.T) {
	m := NewThreadManager(Config{}, nil, zerolog.Nop())
	if _, err := m.ExecuteWithSession(context.Background(), nil); !errors.Is(err, ErrNilOperation) {
		t.Errorf("Expected ErrNilOperation, got %v", err)
	}
}

func TestNew_UnknownModel(t *testing.T) {
	if _, err := New("fiber", Config{}, nil, zerolog.Nop()); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
}

// 75 concurrent short operations must all finish; none may hang.
func TestExecuteWithSession_ConcurrentNoHang(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		const n = 75

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
					time.Sleep(10 * time.Millisecond)
					return "ok", nil
				}, WithTimeout(5*time.Second))
				if err == nil {
					succeeded.Add(1)
				}
			}()
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("Concurrent executions did not finish")
		}

		if succeeded.Load() != n {
			t.Errorf("Expected %d successes, got %d", n, succeeded.Load())
		}
		if m.Metrics().TotalCompleted != n {
			t.Errorf("Expected %d completed, got %d", n, m.Metrics().TotalCompleted)
		}
		assertDrained(t, m)
	})
}

func TestExecuteWithSession_CapacityExceeded(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		const (
			capacity = 50
			attempts = 60
		)
		m := newManager(Config{Session: session.Config{MaxConcurrentSessions: capacity}})
		block := make(chan struct{})

		started := make(chan struct{}, attempts)
		rejected := make(chan struct{}, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
					started <- struct{}{}
					<-block
					return nil, nil
				}, WithTimeout(10*time.Second))
				if errors.Is(err, session.ErrCapacityExceeded) {
					rejected <- struct{}{}
				}
			}()
		}

		var admitted, refused int
		deadline := time.After(5 * time.Second)
		for admitted+refused < attempts {
			select {
			case <-started:
				admitted++
			case <-rejected:
				refused++
			case <-deadline:
				close(block)
				t.Fatalf("Timed out: admitted=%d rejected=%d", admitted, refused)
			}
		}

		if admitted != capacity || refused != attempts-capacity {
			t.Errorf("Expected %d admitted and %d rejected, got %d and %d", capacity, attempts-capacity, admitted, refused)
		}
		if got := m.Metrics().TotalRejected; got != attempts-capacity {
			t.Errorf("Expected TotalRejected %d, got %d", attempts-capacity, got)
		}
		if active := len(m.ActiveSessions()); active != capacity {
			t.Errorf("Expected %d resident sessions, got %d", capacity, active)
		}

		close(block)
		wg.Wait()

		if m.Metrics().TotalCompleted != capacity {
			t.Errorf("Expected %d completed, got %d", capacity, m.Metrics().TotalCompleted)
		}
		assertDrained(t, m)

		// Capacity is available again
		if _, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }); err != nil {
			t.Errorf("Expected capacity to be reclaimed, got %v", err)
		}
	})
}

func TestExecuteWithSession_MixedLoadStaysBalanced(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		block := gate(t)

		var wg sync.WaitGroup
		for i := 0; i < 60; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
					switch i % 3 {
					case 0:
						return i, nil
					case 1:
						return nil, errors.New("failed")
					default:
						select {
						case <-block:
						case <-ctx.Done():
						}
						return nil, nil
					}
				}, WithTimeout(30*time.Millisecond))
			}(i)
		}

		// Counters must balance in every snapshot, not only at the end
		stop := make(chan struct{})
		var observed sync.WaitGroup
		observed.Add(1)
		go func() {
			defer observed.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if metrics := m.Metrics(); !metrics.Balanced() {
					t.Errorf("Unbalanced snapshot: %+v", metrics)
					return
				}
			}
		}()

		wg.Wait()
		close(stop)
		observed.Wait()

		metrics := m.Metrics()
		if metrics.TotalCompleted != 20 || metrics.TotalErrored != 20 || metrics.TotalTimeout != 20 {
			t.Errorf("Expected 20/20/20, got %+v", metrics)
		}
		assertDrained(t, m)
	})
}

func TestShutdown_Clean(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		const n = 20

		started := make(chan struct{}, n)
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			go func() {
				_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
					started <- struct{}{}
					time.Sleep(50 * time.Millisecond)
					return "done", nil
				})
				errs <- err
			}()
		}
		for i := 0; i < n; i++ {
			<-started
		}

		result := m.Shutdown(5 * time.Second)
		if !result.Clean || result.Outcome() != "clean" {
			t.Errorf("Expected clean shutdown, got %+v", result)
		}
		if len(result.Forced) != 0 {
			t.Errorf("Expected nothing forced, got %v", result.Forced)
		}
		for i := 0; i < n; i++ {
			if err := <-errs; err != nil {
				t.Errorf("Expected in-flight session to finish, got %v", err)
			}
		}
		if result.Metrics.TotalCompleted != n {
			t.Errorf("Expected %d completed, got %d", n, result.Metrics.TotalCompleted)
		}
		if m.State() != StateStopped {
			t.Errorf("Expected stopped, got %s", m.State())
		}
		assertDrained(t, m)

		t.Run("rejects new work", func(t *testing.T) {
			_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) { return nil, nil })
			if !errors.Is(err, session.ErrShutdownInProgress) {
				t.Errorf("Expected ErrShutdownInProgress, got %v", err)
			}
		})

		t.Run("is idempotent", func(t *testing.T) {
			again := m.Shutdown(time.Second)
			if !again.Clean {
				t.Errorf("Expected repeated shutdown to be clean, got %+v", again)
			}
		})
	})
}

func TestShutdown_Forced(t *testing.T) {
	forEachModel(t, func(t *testing.T, newManager func(Config) *Manager) {
		m := newManager(Config{})
		block := gate(t)
		started := make(chan struct{})
		errc := make(chan error, 1)

		go func() {
			_, err := m.ExecuteWithSession(context.Background(), func(ctx context.Context) (any, error) {
				close(started)
				<-block
				return "too late", nil
			}, WithSessionID("stuck"), WithTimeout(time.Minute))
			errc <- err
		}()
		<-started

		begin := time.Now()
		result := m.Shutdown(100 * time.Millisecond)
		if waited := time.Since(begin); waited > 2*time.Second {
			t.Errorf("Expected shutdown to respect its deadline, took %v", waited)
		}
		if result.Clean || result.Outcome() != "forced" {
			t.Fatalf("Expected forced shutdown, got %+v", result)
		}
		if len(result.Forced) != 1 || result.Forced[0] != "stuck" {
			t.Errorf("Expected [stuck] forced, got %v", result.Forced)
		}

		select {
		case err := <-errc:
			var timeoutErr *TimeoutError
			if !errors.As(err, &timeoutErr) || !timeoutErr.Forced {
				t.Errorf("Expected forced *TimeoutError, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Caller was not unblocked by forced shutdown")
		}

		metrics := m.Metrics()
		if metrics.TotalTimeout != 1 || metrics.TotalCompleted != 0 {
			t.Errorf("Expected the straggler to count as timeout, got %+v", metrics)
		}
		assertDrained(t, m)

		var timeouts, releases int
		for _, e := range m.LifecycleEvents("stuck") {
			switch e.Phase {
			case lifecycle.PhaseTimeout:
				timeouts++
			case lifecycle.PhaseSessionReleased:
				releases++
			}
		}
		if timeouts != 1 || releases != 1 {
			t.Errorf("Expected exactly one TIMEOUT and one SESSION_RELEASED, got %d and %d", timeouts, releases)
		}
	})
}

func TestShutdown_Empty(t *testing.T) {
	m := NewTaskManager(Config{}, nil, zerolog.Nop())
	result := m.Shutdown(time.Second)
	if !result.Clean {
		t.Errorf("Expected clean shutdown with no sessions, got %+v", result)
	}
	if result.Waited > 500*time.Millisecond {
		t.Errorf("Expected immediate return, waited %v", result.Waited)
	}
}

func TestTaskLock(t *testing.T) {
	lock := newTaskLock()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				lock.Lock()
				counter++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 5000 {
		t.Errorf("Expected 5000, got %d", counter)
	}
}
