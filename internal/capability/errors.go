// This file defines the error taxonomy for capability registration and
// execution. Registration errors are fatal to startup; handler errors
// carry a retryable/fatal classification the executor acts on.

package capability

import (
	"errors"
	"fmt"
)

// DuplicateError is returned by [Registry.Register] when a capability
// with the same name already exists. The registry is left unchanged.
type DuplicateError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("capability %q is already registered", e.Name)
}

// NotFoundError is returned by [Registry.Lookup] for an unregistered
// name. In normal router-driven flow this indicates a programmer error,
// not a runtime condition.
type NotFoundError struct {
	Name string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q is not registered", e.Name)
}

// FatalError marks a handler failure that must not be retried (e.g., a
// malformed request). The executor short-circuits immediately on it.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

// Unwrap supports errors.Is/As chains through the wrapper.
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// RetryableError marks a handler failure as transient. The executor
// already treats unclassified errors as retryable, so this wrapper
// exists for handlers that want to be explicit about it.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

// Unwrap supports errors.Is/As chains through the wrapper.
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsFatal reports whether err is classified as non-retryable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
