package errors

import (
	"errors"
	"fmt"
)

// Category classifies failures so the control loop can decide between
// skipping an operation, cooling down, or alerting.
type Category string

const (
	// Fatal categories stop the process from starting at all.
	CategoryFatal       Category = "FATAL"
	CategoryCredentials Category = "CREDENTIALS"
	CategoryConfig      Category = "CONFIG"

	// Recoverable categories are skipped for the current cycle and
	// retried on the next natural one.
	CategoryGateway    Category = "GATEWAY"
	CategoryNetwork    Category = "NETWORK"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryOrder      Category = "ORDER"
	CategoryPosition   Category = "POSITION"
	CategoryStrategy   Category = "STRATEGY"
	CategoryValidation Category = "VALIDATION"
)

// ControlError is a categorized error with the component and operation
// it originated from.
type ControlError struct {
	Category   Category
	Component  string
	Operation  string
	Message    string
	Underlying error
}

func (e *ControlError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, e.Message)
}

func (e *ControlError) Unwrap() error {
	return e.Underlying
}

// IsFatal reports whether the error should stop the process rather than
// be retried on a later cycle.
func (e *ControlError) IsFatal() bool {
	switch e.Category {
	case CategoryFatal, CategoryCredentials, CategoryConfig:
		return true
	}
	return false
}

// Retryable reports whether the operation may be retried on the next cycle.
func (e *ControlError) Retryable() bool {
	return !e.IsFatal()
}

// New creates a categorized control-plane error.
func New(category Category, component, operation, message string) *ControlError {
	return &ControlError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// Wrap attaches category and origin to an existing error.
func Wrap(err error, category Category, component, operation string) *ControlError {
	return &ControlError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
	}
}

// CategoryOf extracts the category from an error chain, or empty string.
func CategoryOf(err error) Category {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}
