// Package errs defines the error classes shared by the retaind stores and engines.
//
// Callers classify failures with errors.Is against these sentinels:
//
//   - ErrValidation: bad input, rejected before any shared state is touched
//   - ErrProvider: an embedding or generation call failed or timed out; retryable
//   - ErrStore: a durable-storage failure; fatal for the current operation
//
// Tenant mismatches are never errors. They are filtered silently at the metadata layer.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates invalid caller input.
	ErrValidation = errors.New("validation failed")

	// ErrProvider indicates an external provider failure.
	ErrProvider = errors.New("provider call failed")

	// ErrStore indicates a durable storage failure.
	ErrStore = errors.New("store operation failed")
)

// Validation wraps a formatted message as an ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Provider wraps err as an ErrProvider, keeping the original cause in the chain.
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
}

// Store wraps err as an ErrStore, keeping the original cause in the chain.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// IsRetryable reports whether the operation that produced err may be retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProvider)
}

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
