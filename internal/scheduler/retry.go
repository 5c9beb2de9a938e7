package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures the delay between retries. A zero InitialInterval
// retries immediately. There is no elapsed-time cap: the unit's RetryPolicy
// alone decides how many attempts are made.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns bounded exponential backoff suited to network calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	if c.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	if c.Multiplier > 0 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DefaultBreakerFailures is the number of consecutive failures that opens a
// breaker.
const DefaultBreakerFailures = 5

// CircuitBreakerRegistry manages circuit breakers keyed by collaborator.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger

	// Failures opens a breaker after this many consecutive failures. Set
	// before the first Get.
	Failures uint32
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		Failures: DefaultBreakerFailures,
	}
}

// Get returns the circuit breaker for the given key.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	threshold := r.Failures
	if threshold == 0 {
		threshold = DefaultBreakerFailures
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the collaborator's
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[key] = cb
	return cb
}

// RetryScheduler executes a unit's action under its retry policy.
type RetryScheduler struct {
	cfg      RetryConfig
	breakers *CircuitBreakerRegistry
	observer Observer
}

// NewRetryScheduler creates a RetryScheduler. breakers and observer may be nil.
func NewRetryScheduler(cfg RetryConfig, breakers *CircuitBreakerRegistry, observer Observer) *RetryScheduler {
	if observer == nil {
		observer = NopObserver{}
	}
	return &RetryScheduler{cfg: cfg, breakers: breakers, observer: observer}
}

// Run attempts unit.Action until it succeeds, the policy classifies a failure
// as non-retryable, or MaxRetries retries are spent. Failures are returned as
// *TaskExecutionError.
func (s *RetryScheduler) Run(ctx context.Context, unit *TaskUnit, in Inputs) (any, error) {
	out, _, err := s.run(ctx, unit, in)
	return out, err
}

// run is Run that also reports how many times the action was invoked.
func (s *RetryScheduler) run(ctx context.Context, unit *TaskUnit, in Inputs) (any, int, error) {
	if unit.Action == nil {
		return nil, 0, &TaskExecutionError{Unit: unit.Name, Last: fmt.Errorf("task unit %q has no action", unit.Name)}
	}

	var (
		out      any
		attempts int
	)

	operation := func() error {
		// Check context first - fail fast if cancelled
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++
		result, err := s.invoke(ctx, unit, in)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			if !unit.Retry.retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		out = result
		return nil
	}

	maxRetries := unit.Retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.cfg.newBackOff(), uint64(maxRetries)), ctx)

	notify := func(err error, delay time.Duration) {
		s.observer.TaskRetrying(ctx, unit.Name, attempts, err, delay)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, attempts, &TaskExecutionError{Unit: unit.Name, Attempts: attempts, Last: err}
	}
	return out, attempts, nil
}

func (s *RetryScheduler) invoke(ctx context.Context, unit *TaskUnit, in Inputs) (any, error) {
	if unit.Breaker == "" || s.breakers == nil {
		return unit.Action(ctx, in)
	}
	return s.breakers.Get(unit.Breaker).Execute(func() (interface{}, error) {
		return unit.Action(ctx, in)
	})
}
