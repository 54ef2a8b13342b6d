package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that an identifier or object does not exist.
var ErrNotFound = errors.New("not found")

// NotResolvableError wraps a storage failure during lookup or resolution.
type NotResolvableError struct {
	Identifier string
	Err        error
}

func (e *NotResolvableError) Error() string {
	return fmt.Sprintf("identifier %s not resolvable: %v", e.Identifier, e.Err)
}

func (e *NotResolvableError) Unwrap() error { return e.Err }

// AlreadyBoundError is returned when a live Handle names a different object.
type AlreadyBoundError struct {
	Handle string
	Bound  ObjectRef
}

func (e *AlreadyBoundError) Error() string {
	return fmt.Sprintf("handle %s already in use by %s", e.Handle, e.Bound)
}

// TypeMismatchError is returned when a tombstoned Handle is reused by another type.
type TypeMismatchError struct {
	Handle    string
	Recorded  ResourceType
	Requested ResourceType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("handle %s was previously used by a %s and cannot be reused for a %s", e.Handle, e.Recorded, e.Requested)
}

// ConfigurationError is fatal and meant for the operator.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ExternalServiceMessage is the user-facing text for PID service failures.
const ExternalServiceMessage = "PID Service is not working. Please contact the administrator."

// ExternalServiceError reports a failed or timed out call to the external PID service.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return ExternalServiceMessage
}

// Detail includes the underlying cause for logs.
func (e *ExternalServiceError) Detail() string {
	return fmt.Sprintf("external PID service %s failed: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
