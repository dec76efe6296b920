// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. These errors should be used by use cases
// and mapped to appropriate HTTP status codes by handlers.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all domain modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates the actor is not permitted to perform the action.
	// The message is intentionally generic: authorization failures never explain
	// which part of the graph check failed, to avoid leaking graph topology.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrQuotaExceeded indicates a license limit was reached (e.g., the maximum
	// number of active server envkeys). Surfaced distinctly so callers can
	// prompt for a license upgrade instead of retrying.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidState indicates the target node exists but is in the wrong
	// lifecycle state, or a graph node was accessed as the wrong type.
	ErrInvalidState = errors.New("invalid state")

	// ErrLocked indicates the device lock state machine rejected the action.
	// Callers should prompt for the passphrase rather than retry.
	ErrLocked = errors.New("device locked")

	// ErrTransactionFailed indicates a persistence layer failure. The whole
	// transaction was rolled back; no partial graph state was committed.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConflictingAction indicates serialization key contention exceeded the
	// configured wait bound.
	ErrConflictingAction = errors.New("conflicting concurrent action")
)

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context while preserving the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
