// Package errors provides centralized error definitions for the application.
// Errors are organized by domain to avoid duplication and provide consistent naming.
//
// Naming conventions:
//   - Exported errors (Err*): Use for errors that callers need to check with errors.Is
//   - All sentinel errors should be defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
//
// The API layer maps these onto the stable error codes returned to callers;
// see Kind and KindOf.
package errors

import (
	"context"
	"errors"
)

// Validation errors (client fault, reported per item).
var (
	// ErrValidation indicates a structurally invalid observation or request.
	ErrValidation = errors.New("validation failed")

	// ErrItemTooLarge indicates an observation exceeding the size cap.
	ErrItemTooLarge = errors.New("item exceeds size limit")

	// ErrBatchTooLarge indicates a batch exceeding the batch cap.
	ErrBatchTooLarge = errors.New("batch exceeds size limit")
)

// Authorization errors.
var (
	// ErrUnauthorized indicates a missing or invalid API key or token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCapabilityMissing indicates the caller lacks a required capability.
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrAppBlocked indicates the user's privacy preferences block the app.
	ErrAppBlocked = errors.New("app blocked by privacy preferences")
)

// Quota and backpressure errors.
var (
	// ErrQuotaExceeded indicates the caller hit its rate limit or the work
	// queues are full; retryable after a delay.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Storage errors.
var (
	// ErrStorageTransient indicates a retryable storage failure.
	ErrStorageTransient = errors.New("transient storage failure")

	// ErrStoragePermanent indicates a non-retryable storage failure; the
	// affected item is moved to the dead-letter partition.
	ErrStoragePermanent = errors.New("permanent storage failure")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrImmutableField indicates an update touching a field that may not
	// change after enrichment.
	ErrImmutableField = errors.New("field is immutable")

	// ErrWriteConflict indicates a concurrent write with higher precedence won.
	ErrWriteConflict = errors.New("write conflict")
)

// Enrichment errors.
var (
	// ErrEnrichmentDegraded indicates enrichment fell back to defaults; the
	// observation is still stored with the degraded flag set.
	ErrEnrichmentDegraded = errors.New("enrichment degraded")

	// ErrEnrichmentTimeout indicates the analysis capability missed its deadline.
	ErrEnrichmentTimeout = errors.New("enrichment timed out")
)

// Profile errors.
var (
	// ErrProfileConflict indicates a concurrent profile update; resolved by
	// retry under the per-user lock.
	ErrProfileConflict = errors.New("profile update conflict")
)

// External model errors.
var (
	// ErrExternalModel indicates the external model call failed after retries.
	ErrExternalModel = errors.New("external model failure")

	// ErrNoProvidersAvailable indicates no model provider is configured.
	ErrNoProvidersAvailable = errors.New("no providers available")

	// ErrAllProvidersFailed indicates every candidate provider failed.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrBudgetExhausted indicates the daily token budget is spent.
	ErrBudgetExhausted = errors.New("daily token budget exhausted")

	// ErrCircuitBreakerOpen indicates the circuit breaker has tripped and
	// requests are blocked.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// ErrEmptyModelResponse indicates the model returned no usable content.
	ErrEmptyModelResponse = errors.New("empty model response")
)

// Index errors.
var (
	// ErrIndexDisabled indicates the index is switched off by configuration.
	ErrIndexDisabled = errors.New("index disabled")
)

// Kind is the stable error code surfaced at the API boundary.
type Kind string

// Error kinds.
const (
	KindValidation         Kind = "ValidationError"
	KindAuthz              Kind = "AuthzError"
	KindQuota              Kind = "QuotaError"
	KindStorageTransient   Kind = "StorageTransient"
	KindStoragePermanent   Kind = "StoragePermanent"
	KindEnrichmentDegraded Kind = "EnrichmentDegraded"
	KindProfileConflict    Kind = "ProfileConflict"
	KindExternalModel      Kind = "ExternalModelError"
	KindCancelled          Kind = "Cancelled"
	KindNotFound           Kind = "NotFound"
	KindInternal           Kind = "Internal"
)

// KindOf maps err to its stable kind. Unknown errors map to KindInternal so
// low-level identifiers never leak to callers.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrValidation), errors.Is(err, ErrItemTooLarge), errors.Is(err, ErrBatchTooLarge):
		return KindValidation
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrCapabilityMissing), errors.Is(err, ErrAppBlocked):
		return KindAuthz
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuota
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStoragePermanent), errors.Is(err, ErrImmutableField):
		return KindStoragePermanent
	case errors.Is(err, ErrStorageTransient), errors.Is(err, ErrWriteConflict):
		return KindStorageTransient
	case errors.Is(err, ErrEnrichmentDegraded), errors.Is(err, ErrEnrichmentTimeout):
		return KindEnrichmentDegraded
	case errors.Is(err, ErrProfileConflict):
		return KindProfileConflict
	case errors.Is(err, ErrExternalModel), errors.Is(err, ErrAllProvidersFailed),
		errors.Is(err, ErrNoProvidersAvailable), errors.Is(err, ErrBudgetExhausted),
		errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrEmptyModelResponse):
		return KindExternalModel
	default:
		return KindInternal
	}
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageTransient, KindQuota:
		return true
	default:
		return false
	}
}

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
