package txcore

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Component packages declare their
// own sentinels wrapping one of these so callers can branch on the class
// with errors.Is without importing each component.
var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds marks a rejected balance-changing operation. Never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrConflict marks a state conflict (key reuse, stale claim token). Caller must investigate.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks a retryable failure (contention, in-progress duplicate).
	ErrTransient = errors.New("transient failure")
	// ErrExhaustedRetries marks a work item moved to the dead-letter state.
	ErrExhaustedRetries = errors.New("retries exhausted")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
