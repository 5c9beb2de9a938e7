package lease

import (
	"context"
	"time"
)

// WithLease acquires id, runs body while the lease is held and releases the
// lease on every exit path, including panics and cancellation. A failed
// release is logged and never replaces body's result.
func WithLease[T any](
	ctx context.Context,
	m *Manager,
	id string,
	res Resource,
	timeout time.Duration,
	body func(ctx context.Context, h *Handle) (T, error),
) (T, error) {
	var zero T

	h, err := m.Acquire(ctx, id, res, timeout)
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = m.Release(ctx, h)
	}()

	return body(ctx, h)
}
