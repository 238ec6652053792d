package resilience

import (
	"errors"
	"fmt"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open and the
	// call is rejected without reaching the external service.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrBulkheadFull is returned when the per-connection concurrency cap
	// is reached.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("resilience: operation timed out")
)

// StatusCoder is implemented by errors that carry an HTTP status code.
// The retry executor uses it to match errors against a policy's
// retryable status codes.
type StatusCoder interface {
	StatusCode() int
}

// HTTPError represents a non-2xx response from an external API.
type HTTPError struct {
	Code   int
	Status string
}

// NewHTTPError creates an HTTPError from a status code and status line.
func NewHTTPError(code int, status string) *HTTPError {
	return &HTTPError{Code: code, Status: status}
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("resilience: http error: %s", e.Status)
	}
	return fmt.Sprintf("resilience: http error: status %d", e.Code)
}

// StatusCode returns the HTTP status code carried by the error.
func (e *HTTPError) StatusCode() int { return e.Code }
