package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrCancelled      = errors.New("download cancelled")
	ErrConnectTimeout = errors.New("connection timeout")
	ErrInvalidRequest = errors.New("invalid download request")

	// Task domain errors
	ErrTaskNotFound = errors.New("download task not found")
)

// HTTPStatusError reports an unexpected HTTP status from the origin server.
type HTTPStatusError struct {
	Code int
}

// Error returns the error message
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// RetryableError wraps an error that should trigger another download attempt.
type RetryableError struct {
	Err error
}

// Error returns the error message
func (e *RetryableError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

// IsRetryable returns true if the error should drive the retry loop.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if IsCancelled(err) {
		return false
	}
	var re *RetryableError
	return errors.As(err, &re)
}

// IsCancelled returns true if the error comes from a user-initiated abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsConnectTimeout returns true if the error is a connection timeout.
func IsConnectTimeout(err error) bool {
	return errors.Is(err, ErrConnectTimeout)
}
