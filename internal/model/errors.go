package model

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrNotFound            = errors.New("memory not found")
	ErrDependencyTimeout   = errors.New("dependency timeout")
	ErrStore               = errors.New("store error")
	ErrConflict            = errors.New("version conflict")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// DeniedError is a governance rejection.
type DeniedError struct {
	Op     string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s: %s", e.Op, e.Reason)
}

func (e *DeniedError) Unwrap() error { return ErrAuthorizationDenied }

// StoreError wraps a backing store failure. The operation may be retried by the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// Retryable reports that store failures are transient from the caller's view.
func (e *StoreError) Retryable() bool { return true }

// NewStoreError wraps err unless it already carries a classification.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrStore) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrAuthorizationDenied) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Retryable()
}
