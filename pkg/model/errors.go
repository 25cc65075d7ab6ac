package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation  ErrorCode = "VALIDATION_ERROR"
	ErrNotFound    ErrorCode = "NOT_FOUND"
	ErrConflict    ErrorCode = "CONFLICT"
	ErrUnavailable ErrorCode = "UNAVAILABLE"
	ErrInternal    ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the broker API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

// Sentinel errors shared by the store, scheduler, worker pools and broker.
var (
	// ErrBudgetExhausted means every candidate was filtered out by the budget.
	// Retrying cannot help, so the item is not requeued.
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrAllCandidatesExhausted means every provider in the chain failed for this attempt.
	ErrAllCandidatesExhausted = errors.New("all candidate providers exhausted")

	// ErrNoCandidates means no registered provider matches the task type.
	ErrNoCandidates = errors.New("no eligible provider")

	// ErrStaleCompletion is returned when a report carries an outdated claim token.
	ErrStaleCompletion = errors.New("stale completion: claim token mismatch")

	// ErrCancelled is returned when cancellation was requested mid-processing.
	ErrCancelled = errors.New("cancelled")

	// ErrQueueClosed is returned by Enqueue after shutdown.
	ErrQueueClosed = errors.New("queue closed")

	// ErrItemNotFound is returned when a work item does not exist.
	ErrItemNotFound = errors.New("work item not found")
)

// ProviderErrorKind classifies a failed provider invocation.
type ProviderErrorKind string

const (
	// ProviderTransport is a network failure or timeout. Counts against health.
	ProviderTransport ProviderErrorKind = "transport"
	// ProviderRateLimited is an explicit throttling response. Does not count against health.
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	// ProviderRejected is an auth/quota refusal. The provider leaves the chain until it recovers.
	ProviderRejected ProviderErrorKind = "rejected"
)

// ProviderError is the error type every provider invoker returns.
type ProviderError struct {
	Kind       ProviderErrorKind
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError creates a ProviderError of the given kind.
func NewProviderError(kind ProviderErrorKind, provider string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// ProviderErrorKindOf extracts the kind of a provider error. Errors that are
// not ProviderErrors are treated as transport failures.
func ProviderErrorKindOf(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ProviderTransport
}
