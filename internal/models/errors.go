package models

import (
	"errors"
	"fmt"
)

// Error kinds. Handlers map these to HTTP status codes with errors.Is.
var (
	ErrValidation        = errors.New("validation_error")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotFound          = errors.New("not_found")
	ErrUnavailable       = errors.New("unavailable")
	ErrRateLimited       = errors.New("rate_limited")
)

// DomainError carries an error kind together with a machine readable code
// and a message that is safe to return to the caller. Cause is for logs only.
type DomainError struct {
	Kind    error
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// NewValidationError creates a caller-correctable input error
func NewValidationError(code, message string) error {
	return &DomainError{Kind: ErrValidation, Code: code, Message: message}
}

// NewConflictError creates a reservation conflict error
func NewConflictError(code, message string) error {
	return &DomainError{Kind: ErrConflict, Code: code, Message: message}
}

// NewInvalidTransitionError creates an illegal status change / unauthorized actor error
func NewInvalidTransitionError(code, message string) error {
	return &DomainError{Kind: ErrInvalidTransition, Code: code, Message: message}
}

// NewNotFoundError creates an error for a missing or invisible resource
func NewNotFoundError(code, message string) error {
	return &DomainError{Kind: ErrNotFound, Code: code, Message: message}
}

// NewUnavailableError wraps a storage failure that survived all retries
func NewUnavailableError(cause error) error {
	return &DomainError{
		Kind:    ErrUnavailable,
		Code:    "STORAGE_UNAVAILABLE",
		Message: "Storage is temporarily unavailable, please retry",
		Cause:   cause,
	}
}

// WithDetails attaches extra response fields to a domain error
func WithDetails(err error, details map[string]interface{}) error {
	var de *DomainError
	if !errors.As(err, &de) {
		return err
	}
	copied := *de
	copied.Details = details
	return &copied
}

// IsDomainError reports whether err carries one of the domain error kinds
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
