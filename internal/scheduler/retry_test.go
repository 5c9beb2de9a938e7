package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/stocketl/internal/errkind"
)

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	retries  []int
	finished map[string]TaskResult
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]TaskResult)}
}

func (o *recordingObserver) TaskStarted(_ context.Context, unit string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, unit)
}

func (o *recordingObserver) TaskRetrying(_ context.Context, _ string, attempt int, _ error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
}

func (o *recordingObserver) TaskFinished(_ context.Context, unit string, result TaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished[unit] = result
}

func (o *recordingObserver) startedUnits() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.started...)
}

// TestRetrySchedulerAttempts verifies that N retries invoke an always-failing action N+1 times.
func TestRetrySchedulerAttempts(t *testing.T) {
	for _, retries := range []int{0, 1, 2, 5} {
		var calls atomic.Int32
		boom := errors.New("boom")
		u := &TaskUnit{
			Name:  "flaky",
			Retry: Retries(retries),
			Action: func(context.Context, Inputs) (any, error) {
				calls.Add(1)
				return nil, boom
			},
		}

		obs := newRecordingObserver()
		s := NewRetryScheduler(RetryConfig{}, nil, obs)
		_, err := s.Run(context.Background(), u, nil)

		var execErr *TaskExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("retries=%d: error = %v, want *TaskExecutionError", retries, err)
		}
		if got := int(calls.Load()); got != retries+1 {
			t.Errorf("retries=%d: action called %d times, want %d", retries, got, retries+1)
		}
		if execErr.Attempts != retries+1 {
			t.Errorf("retries=%d: Attempts = %d, want %d", retries, execErr.Attempts, retries+1)
		}
		if !errors.Is(err, boom) {
			t.Errorf("retries=%d: last error not preserved: %v", retries, err)
		}
		if !errors.Is(err, errkind.ErrTaskExecution) {
			t.Errorf("retries=%d: error should be ErrTaskExecution", retries)
		}
		if len(obs.retries) != retries {
			t.Errorf("retries=%d: observer saw %d retries", retries, len(obs.retries))
		}
	}
}

// TestRetrySchedulerRecovers verifies that a transient failure followed by success returns the result.
func TestRetrySchedulerRecovers(t *testing.T) {
	var calls atomic.Int32
	u := &TaskUnit{
		Name:  "extract",
		Retry: Retries(2),
		Action: func(context.Context, Inputs) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errkind.Transient(errors.New("connection reset"))
			}
			return "ok", nil
		},
	}

	s := NewRetryScheduler(RetryConfig{}, nil, nil)
	out, attempts, err := s.run(context.Background(), u, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "ok" {
		t.Errorf("Run() = %v, want ok", out)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// TestRetrySchedulerNonRetryable verifies that configuration failures are not retried.
func TestRetrySchedulerNonRetryable(t *testing.T) {
	tests := []struct {
		name  string
		retry RetryPolicy
		err   error
	}{
		{
			name:  "configuration error",
			retry: Retries(3),
			err:   errkind.Configurationf("missing api key"),
		},
		{
			name: "custom classifier",
			retry: RetryPolicy{
				MaxRetries: 3,
				Retryable:  func(err error) bool { return errkind.IsTransient(err) },
			},
			err: errors.New("bad request"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			u := &TaskUnit{
				Name:  "configure",
				Retry: tt.retry,
				Action: func(context.Context, Inputs) (any, error) {
					calls.Add(1)
					return nil, tt.err
				},
			}

			_, err := NewRetryScheduler(RetryConfig{}, nil, nil).Run(context.Background(), u, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if calls.Load() != 1 {
				t.Errorf("action called %d times, want 1", calls.Load())
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error %v does not wrap %v", err, tt.err)
			}
		})
	}
}

// TestRetrySchedulerContextCancelled verifies that cancellation stops retrying.
func TestRetrySchedulerContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	u := &TaskUnit{
		Name:  "slow",
		Retry: Retries(10),
		Action: func(context.Context, Inputs) (any, error) {
			calls.Add(1)
			cancel()
			return nil, errors.New("interrupted")
		},
	}

	_, err := NewRetryScheduler(RetryConfig{InitialInterval: 10 * time.Millisecond}, nil, nil).Run(ctx, u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("action called %d times after cancel, want 1", calls.Load())
	}
}

// TestRetrySchedulerBackoff verifies that a configured interval delays retries.
func TestRetrySchedulerBackoff(t *testing.T) {
	u := &TaskUnit{
		Name:  "upload",
		Retry: Retries(2),
		Action: func(context.Context, Inputs) (any, error) {
			return nil, errors.New("unavailable")
		},
	}

	cfg := RetryConfig{InitialInterval: 20 * time.Millisecond, Multiplier: 1}
	start := time.Now()
	_, _ = NewRetryScheduler(cfg, nil, nil).Run(context.Background(), u, nil)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("retries finished in %v, expected backoff delay", elapsed)
	}
}

// TestRetrySchedulerNoAction verifies that a unit without an action fails without panicking.
func TestRetrySchedulerNoAction(t *testing.T) {
	_, err := NewRetryScheduler(RetryConfig{}, nil, nil).Run(context.Background(), &TaskUnit{Name: "empty"}, nil)
	var execErr *TaskExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *TaskExecutionError", err)
	}
}

// TestCircuitBreakerOpens verifies that an open breaker stops calling the collaborator.
func TestCircuitBreakerOpens(t *testing.T) {
	registry := NewCircuitBreakerRegistry(nil)
	var calls atomic.Int32
	u := &TaskUnit{
		Name:    "extract_prices",
		Retry:   Retries(10),
		Breaker: "source",
		Action: func(context.Context, Inputs) (any, error) {
			calls.Add(1)
			return nil, errors.New("503")
		},
	}

	_, err := NewRetryScheduler(RetryConfig{}, registry, nil).Run(context.Background(), u, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	// Five consecutive failures trip the breaker; the sixth attempt is rejected
	if calls.Load() != 5 {
		t.Errorf("action called %d times, want 5", calls.Load())
	}
	if registry.Get("source").State() != gobreaker.StateOpen {
		t.Errorf("breaker state = %v, want open", registry.Get("source").State())
	}
}

// TestCircuitBreakerRegistry_SameKey verifies the registry hands out one breaker per key.
func TestCircuitBreakerRegistry_SameKey(t *testing.T) {
	registry := NewCircuitBreakerRegistry(nil)
	if registry.Get("source") != registry.Get("source") {
		t.Error("Get returned different breakers for the same key")
	}
	if registry.Get("source") == registry.Get("warehouse") {
		t.Error("Get returned the same breaker for different keys")
	}
}
