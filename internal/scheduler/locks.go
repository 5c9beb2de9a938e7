package scheduler

import (
	"sort"
	"sync"
)

// ResourceLockManager serializes work on named external resources, such as
// warehouse tables. Each name gets its own mutex, so writes to different
// names proceed concurrently while writes to the same name queue up.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-name mutexes
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *ResourceLockManager) mutex(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.locks[name]
	if !exists {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	return m
}

// Lock acquires the mutex for name, creating it on first use.
func (r *ResourceLockManager) Lock(name string) {
	// Acquire outside the manager lock to avoid contention
	r.mutex(name).Lock()
}

// Unlock releases the mutex for name.
func (r *ResourceLockManager) Unlock(name string) {
	r.mu.Lock()
	m, exists := r.locks[name]
	r.mu.Unlock()

	if exists {
		m.Unlock()
	}
}

// LockAll acquires every name in lexicographic order so two callers with
// overlapping sets cannot deadlock.
func (r *ResourceLockManager) LockAll(names []string) {
	for _, name := range sortedUnique(names) {
		r.Lock(name)
	}
}

// UnlockAll releases names in reverse lexicographic order.
func (r *ResourceLockManager) UnlockAll(names []string) {
	sorted := sortedUnique(names)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

// WithLock runs fn while holding the lock for name.
func (r *ResourceLockManager) WithLock(name string, fn func() error) error {
	r.Lock(name)
	defer r.Unlock(name)
	return fn()
}

// WithLocks runs fn while holding the locks for every name.
func (r *ResourceLockManager) WithLocks(names []string, fn func() error) error {
	r.LockAll(names)
	defer r.UnlockAll(names)
	return fn()
}

func sortedUnique(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			sorted = append(sorted, n)
		}
	}
	sort.Strings(sorted)
	return sorted
}
