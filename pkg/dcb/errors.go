package dcb

import (
	"errors"
	"fmt"
)

type (

	// EventStoreError represents a base error type for event store operations
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an error in event, command or query validation
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// ConcurrencyError represents a violated append condition: a committed
	// event after the cursor matched the fail query
	ConcurrencyError struct {
		EventStoreError
		Cursor Cursor // The cursor the condition was scoped to
	}

	// IdempotencyError represents a logical operation that was already
	// recorded in the log
	IdempotencyError struct {
		EventStoreError
	}

	// ResourceError represents a transient error related to the underlying
	// store or another managed resource; the caller may retry
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Error Detection Helpers
// =============================================================================

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsIdempotencyError checks if the error is an IdempotencyError
func IsIdempotencyError(err error) bool {
	var idempotencyErr *IdempotencyError
	return errors.As(err, &idempotencyErr)
}

// IsResourceError checks if the error is a ResourceError
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// =============================================================================
// Error Extraction Helpers
// =============================================================================

// GetValidationError extracts a ValidationError from the error chain
func GetValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// GetConcurrencyError extracts a ConcurrencyError from the error chain
func GetConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// GetIdempotencyError extracts an IdempotencyError from the error chain
func GetIdempotencyError(err error) (*IdempotencyError, bool) {
	var idempotencyErr *IdempotencyError
	if errors.As(err, &idempotencyErr) {
		return idempotencyErr, true
	}
	return nil, false
}

// GetResourceError extracts a ResourceError from the error chain
func GetResourceError(err error) (*ResourceError, bool) {
	var resourceErr *ResourceError
	if errors.As(err, &resourceErr) {
		return resourceErr, true
	}
	return nil, false
}

// =============================================================================
// Internal constructors
// =============================================================================

func validationErr(op, field, value string, err error) *ValidationError {
	return &ValidationError{
		EventStoreError: EventStoreError{Op: op, Err: err},
		Field:           field,
		Value:           value,
	}
}

func resourceErr(op, resource string, err error) *ResourceError {
	return &ResourceError{
		EventStoreError: EventStoreError{Op: op, Err: err},
		Resource:        resource,
	}
}
