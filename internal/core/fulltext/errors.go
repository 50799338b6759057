package fulltext

import "errors"

// Error definitions for full-text index operations.
var (
	// ErrServerError is returned for index server errors (HTTP 5xx).
	ErrServerError = errors.New("fulltext server error")

	// ErrClientDisabled is returned when operations are attempted on a disabled client.
	ErrClientDisabled = errors.New("fulltext client disabled")

	// ErrCircuitOpen is returned when the breaker rejects a request.
	ErrCircuitOpen = errors.New("fulltext circuit open")
)
