package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// TestResourceLockManager_SameNameBlocks verifies that the same name is held by one caller at a time.
func TestResourceLockManager_SameNameBlocks(t *testing.T) {
	mgr := NewResourceLockManager()
	orderChan := make(chan int, 2)

	mgr.Lock("stock_fundamentals")

	go func() {
		mgr.Lock("stock_fundamentals")
		orderChan <- 2
		mgr.Unlock("stock_fundamentals")
	}()

	// Give the second goroutine time to block
	time.Sleep(20 * time.Millisecond)
	orderChan <- 1
	mgr.Unlock("stock_fundamentals")

	first := <-orderChan
	second := <-orderChan
	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestResourceLockManager_DifferentNamesConcurrent verifies that different names never block each other.
func TestResourceLockManager_DifferentNamesConcurrent(t *testing.T) {
	mgr := NewResourceLockManager()
	mgr.Lock("stock_fundamentals")
	defer mgr.Unlock("stock_fundamentals")

	acquired := make(chan struct{})
	go func() {
		mgr.Lock("stock_prices")
		close(acquired)
		mgr.Unlock("stock_prices")
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different name blocked")
	}
}

// TestResourceLockManager_LockAllOrdering verifies that LockAll sorts and prevents deadlocks.
func TestResourceLockManager_LockAllOrdering(t *testing.T) {
	mgr := NewResourceLockManager()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.LockAll([]string{"b", "a"})
			mgr.UnlockAll([]string{"b", "a"})
		}()
		go func() {
			defer wg.Done()
			mgr.LockAll([]string{"a", "b"})
			mgr.UnlockAll([]string{"a", "b"})
		}()
	}

	// Wait with timeout to catch deadlocks
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deadlock detected: LockAll did not prevent deadlock through ordering")
	}
}

// TestResourceLockManager_DuplicateNames verifies that a name listed twice is locked once.
func TestResourceLockManager_DuplicateNames(t *testing.T) {
	mgr := NewResourceLockManager()

	done := make(chan struct{})
	go func() {
		mgr.LockAll([]string{"a", "a"})
		mgr.UnlockAll([]string{"a", "a"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockAll with duplicate names deadlocked")
	}
}

// TestResourceLockManager_WithLock verifies that WithLock releases on error and returns fn's error.
func TestResourceLockManager_WithLock(t *testing.T) {
	mgr := NewResourceLockManager()
	boom := errors.New("boom")

	if err := mgr.WithLock("v", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("WithLock() error = %v, want %v", err, boom)
	}

	// Lock must be free again
	if err := mgr.WithLock("v", func() error { return nil }); err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
}

// TestResourceLockManager_Empty verifies that LockAll/UnlockAll handle empty slices.
func TestResourceLockManager_Empty(t *testing.T) {
	mgr := NewResourceLockManager()

	// Should not panic
	mgr.LockAll(nil)
	mgr.UnlockAll([]string{})
}

// TestResourceLockManager_WithLocks verifies that WithLocks holds every name until fn returns.
func TestResourceLockManager_WithLocks(t *testing.T) {
	mgr := NewResourceLockManager()
	release := make(chan struct{})
	held := make(chan struct{})

	go func() {
		_ = mgr.WithLocks([]string{"stock_prices", "stock_prices_external"}, func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	acquired := make(chan struct{})
	go func() {
		mgr.Lock("stock_prices_external")
		close(acquired)
		mgr.Unlock("stock_prices_external")
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while WithLocks held it")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("WithLocks did not release its locks")
	}
}
