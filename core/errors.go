package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Task intake errors
	ErrInvalidTask = errors.New("invalid task")

	// Routing errors
	ErrNoWorkerMatched = errors.New("no worker matched")
	ErrWorkerNotFound  = errors.New("worker not found")

	// Worker errors
	ErrWorkerFailed = errors.New("worker failed")

	// Notification errors (always recovered locally, never propagated)
	ErrNotifierUnavailable = errors.New("notifier unavailable")

	// Safe executor errors
	ErrExecutorViolation = errors.New("security violation")
	ErrExecutorTimeout   = errors.New("execution timeout")

	// Approval errors
	ErrApprovalNotFound = errors.New("approval request not found")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrShuttingDown   = errors.New("shutting down")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// AtlasError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type AtlasError struct {
	Op      string // Operation that failed (e.g., "coordinator.ProcessTask")
	Kind    string // Error kind (e.g., "validation", "routing", "executor")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *AtlasError) Error() string {
	switch {
	case e.Op != "" && e.Message != "":
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %s", e.Op, e.ID, e.Message)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *AtlasError) Unwrap() error {
	return e.Err
}

// NewAtlasError creates a new AtlasError.
func NewAtlasError(op, kind string, err error) *AtlasError {
	return &AtlasError{Op: op, Kind: kind, Err: err}
}

// IsValidation checks if an error is a task intake validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTask) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// IsNotFound checks if an error represents a "not found" condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkerNotFound) ||
		errors.Is(err, ErrNoWorkerMatched) ||
		errors.Is(err, ErrApprovalNotFound)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotifierUnavailable) ||
		errors.Is(err, ErrCircuitBreakerOpen)
}
