package scheduler

import (
	"context"
	"time"
)

// Observer receives task lifecycle notifications. Implementations must be
// safe for concurrent use when the executor runs waves in parallel.
type Observer interface {
	TaskStarted(ctx context.Context, unit string)
	TaskRetrying(ctx context.Context, unit string, attempt int, err error, delay time.Duration)
	TaskFinished(ctx context.Context, unit string, result TaskResult)
}

// TaskResult summarizes one unit execution.
type TaskResult struct {
	Attempts int
	Cached   bool
	Duration time.Duration
	Err      error
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) TaskStarted(context.Context, string) {}
func (NopObserver) TaskRetrying(context.Context, string, int, error, time.Duration) {}
func (NopObserver) TaskFinished(context.Context, string, TaskResult) {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) TaskStarted(ctx context.Context, unit string) {
	for _, obs := range o {
		obs.TaskStarted(ctx, unit)
	}
}

func (o Observers) TaskRetrying(ctx context.Context, unit string, attempt int, err error, delay time.Duration) {
	for _, obs := range o {
		obs.TaskRetrying(ctx, unit, attempt, err, delay)
	}
}

func (o Observers) TaskFinished(ctx context.Context, unit string, result TaskResult) {
	for _, obs := range o {
		obs.TaskFinished(ctx, unit, result)
	}
}
