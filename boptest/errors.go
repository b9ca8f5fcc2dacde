package boptest

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents a non-success response from the simulation backend
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// BackendUnavailableError is returned when a backend call could not complete:
// transport failures, timeouts, 5xx/429 responses and undecodable bodies.
type BackendUnavailableError struct {
	Operation string
	Err       error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable during %s: %v", e.Operation, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call may succeed. Client errors
// (4xx other than 429) are not retryable.
func (e *BackendUnavailableError) Retryable() bool {
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// IsBackendUnavailable reports whether err is or wraps a BackendUnavailableError
func IsBackendUnavailable(err error) bool {
	var target *BackendUnavailableError
	return errors.As(err, &target)
}

// IsRetryable reports whether err wraps a retryable BackendUnavailableError
func IsRetryable(err error) bool {
	var target *BackendUnavailableError
	if !errors.As(err, &target) {
		return false
	}
	return target.Retryable()
}
