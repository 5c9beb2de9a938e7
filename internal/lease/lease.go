// Package lease provides scoped acquisition of ephemeral external resources.
//
// A lease is acquired by starting a resource and waiting for it to report
// ready. Every successful acquisition is released exactly once, whether the
// work done under the lease returns, fails, panics or is cancelled.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.trai.ch/zerr"

	"github.com/aristath/stocketl/internal/errkind"
)

// ErrLeaseHeld is returned when a resource id is acquired twice.
var ErrLeaseHeld = zerr.New("lease already held")

// Resource is an external resource that can be started, probed and stopped.
// Ready returns nil once the resource accepts work; any other error means
// "not yet", except configuration errors which abort the acquisition.
type Resource interface {
	Start(ctx context.Context) error
	Ready(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ResourceNotReadyError reports a resource that started but never became ready.
type ResourceNotReadyError struct {
	ResourceID string
	Timeout    time.Duration
	Last       error // Last readiness probe failure, if any
}

func (e *ResourceNotReadyError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("resource %q not ready after %s", e.ResourceID, e.Timeout)
	}
	return fmt.Sprintf("resource %q not ready after %s: %v", e.ResourceID, e.Timeout, e.Last)
}

func (e *ResourceNotReadyError) Unwrap() error { return e.Last }

func (e *ResourceNotReadyError) Is(target error) bool { return target == errkind.ErrResourceNotReady }

// Config tunes acquisition and release.
type Config struct {
	StartRetries   int           // Retries of a failed Start (default 1)
	PollInterval   time.Duration // Delay between readiness probes (default 1s)
	ReleaseTimeout time.Duration // Upper bound on Stop (default 2m)

	// Optional hooks, called after a lease is acquired or released.
	OnAcquired func(h *Handle, waited time.Duration)
	OnReleased func(h *Handle, err error)
}

// DefaultConfig returns the default lease configuration.
func DefaultConfig() Config {
	return Config{
		StartRetries:   1,
		PollInterval:   time.Second,
		ReleaseTimeout: 2 * time.Minute,
	}
}

// Handle is a held lease.
type Handle struct {
	ID         string
	AcquiredAt time.Time

	res  Resource
	mgr  *Manager
	once sync.Once
	err  error
	done chan struct{}
}

// Release stops the resource. Only the first call has an effect; later calls
// return the first call's result.
func (h *Handle) Release(ctx context.Context) error {
	_, err := h.release(ctx)
	return err
}

// release reports whether this call was the one that stopped the resource.
func (h *Handle) release(ctx context.Context) (bool, error) {
	first := false
	h.once.Do(func() {
		first = true
		h.err = h.res.Stop(ctx)
		h.mgr.forget(h)
		close(h.done)
	})
	return first, h.err
}

// Released reports whether Release has completed.
func (h *Handle) Released() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager tracks every lease held by the process.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	held map[string]*Handle
}

// NewManager creates a lease manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.StartRetries < 0 {
		cfg.StartRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = def.ReleaseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		held:   make(map[string]*Handle),
	}
}

// Acquire starts res and waits up to timeout for it to become ready.
// If res started but never became ready it is stopped before returning.
func (m *Manager) Acquire(ctx context.Context, id string, res Resource, timeout time.Duration) (*Handle, error) {
	h, err := m.reserve(id, res)
	if err != nil {
		return nil, err
	}

	begin := time.Now()
	m.logger.Info("acquiring lease", "resource", id, "timeout", timeout)

	if err := m.start(ctx, res); err != nil {
		if !errors.Is(err, errkind.ErrConfiguration) {
			m.abandon(ctx, h)
		} else {
			m.forget(h)
		}
		return nil, zerr.With(zerr.Wrap(err, "start resource"), "resource", id)
	}

	if err := m.awaitReady(ctx, id, res, timeout); err != nil {
		m.abandon(ctx, h)
		return nil, err
	}

	h.AcquiredAt = time.Now()
	waited := h.AcquiredAt.Sub(begin)
	m.logger.Info("lease acquired", "resource", id, "waited", waited)
	if m.cfg.OnAcquired != nil {
		m.cfg.OnAcquired(h, waited)
	}
	return h, nil
}

// Release releases h on a context detached from ctx's cancellation and bounded
// by the release timeout. Failures are logged and returned.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h.Released() {
		return h.err
	}
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReleaseTimeout)
	defer cancel()

	first, err := h.release(relCtx)
	if !first {
		return err
	}
	if err != nil {
		m.logger.Warn("lease release failed", "resource", h.ID, "error", err)
	} else {
		m.logger.Info("lease released", "resource", h.ID, "held", time.Since(h.AcquiredAt))
	}
	if m.cfg.OnReleased != nil {
		m.cfg.OnReleased(h, err)
	}
	return err
}

// ReleaseAll releases every lease still held. It is meant for signal handlers
// and shutdown paths outside the normal scoped flow.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.held))
	for _, h := range m.held {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })

	var errs []error
	for _, h := range handles {
		if err := m.Release(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", h.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Held reports whether a lease for id is currently held or being acquired.
func (m *Manager) Held(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[id]
	return ok
}

// Count returns the number of held leases.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *Manager) reserve(id string, res Resource) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.held[id]; exists {
		return nil, zerr.With(zerr.Wrap(ErrLeaseHeld, "acquire lease"), "resource", id)
	}
	h := &Handle{ID: id, res: res, mgr: m, done: make(chan struct{})}
	m.held[id] = h
	return h, nil
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[h.ID] == h {
		delete(m.held, h.ID)
	}
}

// abandon stops a resource whose acquisition failed. Errors are only logged.
func (m *Manager) abandon(ctx context.Context, h *Handle) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ReleaseTimeout)
	defer cancel()
	if err := h.Release(relCtx); err != nil {
		m.logger.Warn("failed to stop resource after failed acquisition", "resource", h.ID, "error", err)
	}
}

func (m *Manager) start(ctx context.Context, res Resource) error {
	operation := func() error {
		err := res.Start(ctx)
		if err != nil && (errors.Is(err, errkind.ErrConfiguration) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.PollInterval), uint64(m.cfg.StartRetries)),
		ctx,
	)
	return backoff.RetryNotify(operation, policy, func(err error, delay time.Duration) {
		m.logger.Warn("resource start failed, retrying", "error", err, "delay", delay)
	})
}

func (m *Manager) awaitReady(ctx context.Context, id string, res Resource, timeout time.Duration) error {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	operation := func() error {
		err := res.Ready(readyCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errkind.ErrConfiguration) {
			return backoff.Permanent(err)
		}
		// Keep the last real probe failure rather than the timeout that ended it
		if last == nil || readyCtx.Err() == nil {
			last = err
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(m.cfg.PollInterval), readyCtx))
	if err == nil {
		return nil
	}
	if errors.Is(err, errkind.ErrConfiguration) {
		return zerr.With(zerr.Wrap(err, "probe resource"), "resource", id)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ResourceNotReadyError{ResourceID: id, Timeout: timeout, Last: last}
}
