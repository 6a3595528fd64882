package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the dispatch path. Callers classify with errors.Is.
var (
	// ErrConfiguration is returned when a required broker parameter is missing.
	// Not retryable without operator intervention.
	ErrConfiguration = errors.New("configuration error")

	// ErrValidation is returned for malformed or out-of-enumeration input.
	ErrValidation = errors.New("validation error")

	// ErrBrokerUnavailable is returned when the broker connection or channel
	// could not be established. Retryable by the caller.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrPublishFailed is returned when a message was not confirmed by the broker.
	// The job must be treated as not delivered.
	ErrPublishFailed = errors.New("publish failed")
)

// ValidationError carries the field that failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job message: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a field-level validation error
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
