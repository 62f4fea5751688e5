package types

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies failures into the small set of client-safe
// categories callers are allowed to see. Internal detail stays in logs.
type ErrorCategory string

const (
	// ErrConfig covers malformed definitions and missing models; rejected
	// before execution, never retried.
	ErrConfig ErrorCategory = "configuration_error"
	// ErrTransient covers network/timeout/provider-side failures; retried
	// under the orchestrator's policy.
	ErrTransient ErrorCategory = "transient_error"
	// ErrValidation marks output scored below the acceptance threshold;
	// shares the retry budget with transient errors.
	ErrValidation ErrorCategory = "validation_failure"
	// ErrUnavailable distinguishes "feature unavailable" (no persistence
	// store configured) from "feature failed".
	ErrUnavailable ErrorCategory = "feature_unavailable"
	// ErrFatal marks an unexpected failure inside a control loop itself.
	ErrFatal ErrorCategory = "fatal_error"
)

// CategorizedError wraps an underlying error with a client-safe category and
// message.
type CategorizedError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

func NewConfigError(format string, args ...interface{}) error {
	return &CategorizedError{Category: ErrConfig, Message: fmt.Sprintf(format, args...)}
}

func NewTransientError(msg string, err error) error {
	return &CategorizedError{Category: ErrTransient, Message: msg, Err: err}
}

func NewValidationError(msg string) error {
	return &CategorizedError{Category: ErrValidation, Message: msg}
}

func NewUnavailableError(msg string) error {
	return &CategorizedError{Category: ErrUnavailable, Message: msg}
}

func NewFatalError(msg string, err error) error {
	return &CategorizedError{Category: ErrFatal, Message: msg, Err: err}
}

// CategoryOf extracts the category from an error chain. Uncategorized errors
// are treated as transient, the safe default for provider failures.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrTransient
}

// SafeMessage returns the client-safe message for an error chain, hiding
// internal detail for anything uncategorized.
func SafeMessage(err error) string {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return "internal error"
}
