package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPathNotFound indicates that an intermediate path segment does not exist
	ErrPathNotFound = errors.New("path not found")

	// ErrInvalidPath indicates that a field path could not be parsed
	ErrInvalidPath = errors.New("invalid field path")

	// ErrTypeCoercion indicates that a value cannot be viewed as the requested type
	ErrTypeCoercion = errors.New("type coercion failed")

	// ErrTypeMismatch indicates an in-place assignment of a value of another type
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidState indicates an operation that the current lifecycle state forbids
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation indicates that a component failed its init-time validation
	ErrValidation = errors.New("validation failed")

	// ErrReadOnly indicates a write against a read-only store
	ErrReadOnly = errors.New("store is read-only")

	// ErrNotFound indicates that a stored object does not exist
	ErrNotFound = errors.New("not found")
)

// Error represents a structured error with a machine-readable code
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new coded error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Code returns the code of the first coded error in err's chain, or fallback.
func Code(err error, fallback string) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return fallback
}

// PathError reports a path that could not be resolved or parsed.
type PathError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PathError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v: %q: %s", e.Err, e.Path, e.Reason)
	}
	return fmt.Sprintf("%v: %q", e.Err, e.Path)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathNotFound creates a PathError wrapping ErrPathNotFound.
func NewPathNotFound(path, reason string) *PathError {
	return &PathError{Path: path, Reason: reason, Err: ErrPathNotFound}
}

// NewInvalidPath creates a PathError wrapping ErrInvalidPath.
func NewInvalidPath(path, reason string) *PathError {
	return &PathError{Path: path, Reason: reason, Err: ErrInvalidPath}
}

// CoercionError reports a failed value view from one field type to another.
// Types are carried by name so this package stays free of the field model.
type CoercionError struct {
	From  string
	To    string
	Cause error
}

func (e *CoercionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot coerce %s to %s: %v", e.From, e.To, e.Cause)
	}
	return fmt.Sprintf("cannot coerce %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrTypeCoercion) hold for every CoercionError.
func (e *CoercionError) Is(target error) bool {
	return target == ErrTypeCoercion
}

func (e *CoercionError) Unwrap() error {
	return e.Cause
}

// ValidationIssue is a single problem found while validating configuration.
type ValidationIssue struct {
	// Stage is the id of the stage that reported the issue
	Stage string
	// Config is the configuration key at fault, if any
	Config string
	// Code is a machine-readable issue code
	Code string
	// Message is a human-readable description
	Message string
}

func (i ValidationIssue) String() string {
	var b strings.Builder
	if i.Stage != "" {
		b.WriteString(i.Stage)
		b.WriteString(": ")
	}
	if i.Config != "" {
		b.WriteString(i.Config)
		b.WriteString(": ")
	}
	b.WriteString(i.Message)
	if i.Code != "" {
		b.WriteString(" (")
		b.WriteString(i.Code)
		b.WriteString(")")
	}
	return b.String()
}

// ValidationError aggregates the issues reported during initialization.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "validation failed: " + e.Issues[0].String()
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("validation failed with %d issues: %s", len(e.Issues), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError returns nil when issues is empty.
func NewValidationError(issues []ValidationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// IsPathNotFound checks if an error is a path-not-found error
func IsPathNotFound(err error) bool {
	return errors.Is(err, ErrPathNotFound)
}

// IsTypeCoercion checks if an error is a coercion error
func IsTypeCoercion(err error) bool {
	return errors.Is(err, ErrTypeCoercion)
}
