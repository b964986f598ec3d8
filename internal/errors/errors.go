// Package errors provides the error taxonomy shared by the ingestion pipeline.
//
// This file provides:
//   - Sentinel errors for every error condition
//   - Category checks (decode, rejected, retriable, fatal)
//   - Error wrapping utilities
//   - ValidationErrors for collecting config problems
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Decode errors
	ErrMalformed     = errors.New("malformed")
	ErrMissingField  = errors.New("missing field")
	ErrUnknownKind   = errors.New("unknown measurement kind")
	ErrFrameTooLarge = errors.New("frame too large")

	// Validation / normalization errors
	ErrInvalidPayload = errors.New("invalid payload")
	ErrIncomplete     = errors.New("incomplete measurement")
	ErrBadTimestamp   = errors.New("unparseable timestamp")

	// Write errors
	ErrTransient = errors.New("transient write failure")
	ErrRejected  = errors.New("write rejected")

	// Fatal startup errors
	ErrBind    = errors.New("bind failed")
	ErrConnect = errors.New("storage unreachable")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Lifecycle errors
	ErrClosed         = errors.New("closed")
	ErrAlreadyRunning = errors.New("already running")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsDecode returns true if err happened while decoding a message unit.
func IsDecode(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrFrameTooLarge)
}

// IsRejected returns true if the message was understood but refused.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrIncomplete) ||
		errors.Is(err, ErrBadTimestamp) ||
		errors.Is(err, ErrRejected)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal returns true for errors that must abort service startup.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBind) || errors.Is(err, ErrConnect)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
