package nodeapi

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError is returned when a node API call fails. StatusCode is zero for
// transport-level failures (timeout, connection refused).
type APIError struct {
	StatusCode int
	Message    string
	// transient marks transport-level failures explicitly.
	transient bool
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("node api: %s", e.Message)
	}
	return fmt.Sprintf("node api: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is worth retrying: timeouts,
// connection errors and 5xx responses are; 4xx and malformed responses are
// the caller's problem and repeat deterministically.
func (e *APIError) Retryable() bool {
	if e.transient {
		return true
	}
	return e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable API failure. Non-APIError
// values are treated as non-retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

// wrapTransport converts a transport error into an APIError. Timeouts and
// network failures are treated identically: retryable.
func wrapTransport(err error) *APIError {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "request timed out"
	}
	return &APIError{Message: msg, transient: true}
}
