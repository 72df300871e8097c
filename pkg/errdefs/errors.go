// Package errdefs defines the classified error type used across the Haven
// control plane. Every operation surfaces failures as a *Error so callers
// can distinguish rejected input from missing resources from crypto failures.
package errdefs

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error.
type Class string

const (
	// ClassValidation indicates rejected input: an unknown module or
	// container id, a disallowed config key, a malformed backup filename.
	// No state mutation has occurred.
	ClassValidation Class = "validation"

	// ClassPrecondition indicates an operation rejected before any side
	// effect: disabling a required module, decrypting without a secret.
	ClassPrecondition Class = "precondition"

	// ClassNotFound indicates the reference was well-formed but the
	// resource is absent at the runtime layer.
	ClassNotFound Class = "not_found"

	// ClassAuth indicates an authentication failure, such as a backup
	// decryption tag mismatch. Never conflated with success.
	ClassAuth Class = "auth"

	// ClassConflict indicates a concurrency conflict, such as a second
	// backup requested while one is already in flight.
	ClassConflict Class = "conflict"

	// ClassInternal indicates an unexpected failure: unwritable state
	// file, runtime API error. The enclosing operation aborts.
	ClassInternal Class = "internal"
)

// Error is a classified error with optional resource and operation context.
type Error struct {
	// Class is the error classification.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the module/container/backup that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithResource adds resource context to the error.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewValidation creates a validation error.
func NewValidation(message string, err error) *Error {
	return &Error{Class: ClassValidation, Message: message, Err: err}
}

// NewPrecondition creates a precondition error.
func NewPrecondition(message string, err error) *Error {
	return &Error{Class: ClassPrecondition, Message: message, Err: err}
}

// NewNotFound creates a not-found error.
func NewNotFound(message string, err error) *Error {
	return &Error{Class: ClassNotFound, Message: message, Err: err}
}

// NewAuth creates an authentication error.
func NewAuth(message string, err error) *Error {
	return &Error{Class: ClassAuth, Message: message, Err: err}
}

// NewConflict creates a conflict error.
func NewConflict(message string, err error) *Error {
	return &Error{Class: ClassConflict, Message: message, Err: err}
}

// NewInternal creates an internal error.
func NewInternal(message string, err error) *Error {
	return &Error{Class: ClassInternal, Message: message, Err: err}
}

func isClass(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool { return isClass(err, ClassValidation) }

// IsPrecondition returns true if the error is classified as precondition.
func IsPrecondition(err error) bool { return isClass(err, ClassPrecondition) }

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool { return isClass(err, ClassNotFound) }

// IsAuth returns true if the error is classified as authentication.
func IsAuth(err error) bool { return isClass(err, ClassAuth) }

// IsConflict returns true if the error is classified as conflict.
func IsConflict(err error) bool { return isClass(err, ClassConflict) }

// IsInternal returns true if the error is classified as internal.
func IsInternal(err error) bool { return isClass(err, ClassInternal) }

// Common error codes.
const (
	ErrCodeUnknownModule    = "UNKNOWN_MODULE"
	ErrCodeRequiredModule   = "REQUIRED_MODULE"
	ErrCodeUnknownContainer = "UNKNOWN_CONTAINER"
	ErrCodeDisallowedKey    = "DISALLOWED_KEY"
	ErrCodeBadBackupName    = "BAD_BACKUP_NAME"
	ErrCodeNoSecret         = "NO_SECRET"
	ErrCodeTagMismatch      = "TAG_MISMATCH"
	ErrCodeStateFile        = "STATE_FILE"
	ErrCodeRuntime          = "RUNTIME"
)
