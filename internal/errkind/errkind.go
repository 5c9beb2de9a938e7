// Package errkind defines the failure kinds shared by every pipeline layer.
// Layers add context by wrapping; the kind stays discoverable with errors.Is.
package errkind

import (
	"context"
	"errors"
	"fmt"

	"go.trai.ch/zerr"
)

var (
	// ErrConfiguration marks missing or invalid setup. Never retried.
	ErrConfiguration = zerr.New("configuration error")

	// ErrTransientIO marks network or subprocess failures that may succeed on retry.
	ErrTransientIO = zerr.New("transient io error")

	// ErrResourceNotReady marks an external resource that did not become ready in time.
	ErrResourceNotReady = zerr.New("resource not ready")

	// ErrTaskExecution marks a task unit that exhausted its retries.
	ErrTaskExecution = zerr.New("task execution failed")

	// ErrReconciliation marks the analytical store rejecting a create-or-replace.
	ErrReconciliation = zerr.New("reconciliation failed")

	// ErrValidation marks a single quality check that could not produce a result.
	ErrValidation = zerr.New("validation check failed")
)

// Configuration tags err as a configuration failure.
func Configuration(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, err)
}

// Transient tags err as retryable I/O.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Configurationf builds a configuration failure from a format string.
func Configurationf(format string, args ...any) error {
	return Configuration(fmt.Errorf(format, args...))
}

// IsRetryable is the default retry classification: everything except
// configuration failures and cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfiguration) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// IsTransient reports whether err was tagged as transient I/O.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
