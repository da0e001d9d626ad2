// Package errors implements the structured error taxonomy used across
// the QC pipeline (§7): Validation, NotFound, Conflict, Forbidden,
// Transient, Invariant, and Internal. Handlers translate an AppError
// into the external JSON envelope; background tasks log it via
// LogFields and move on to the next unit of work.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies an AppError for status-code mapping and safe
// message selection.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeForbidden  ErrorType = "forbidden"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypeInvariant  ErrorType = "invariant"
	ErrorTypeInternal   ErrorType = "internal"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeForbidden:  http.StatusForbidden,
	ErrorTypeTransient:  http.StatusServiceUnavailable,
	ErrorTypeInvariant:  http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// AppError is a structured error carrying a type, an HTTP status, and
// an optional underlying cause.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

// New creates an AppError of the given type with its default status
// code.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusByType[t]}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(t ErrorType, format string, args ...interface{}) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError that records cause as its Cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf is Wrap with fmt.Sprintf formatting of message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// WithDetails attaches additional, user-facing detail and returns the
// same error (modified in place) for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsType reports whether err is an *AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns err's ErrorType, or ErrorTypeInternal if err is not
// an *AppError.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err, defaulting to 500 for
// non-AppError values.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the generic, safe-to-expose text for error types
// whose real message may leak internal detail.
var ErrorMessages = struct {
	ResourceNotFound       string
	Forbidden              string
	OperationTimeout       string
	ConcurrentModification string
	Internal               string
}{
	ResourceNotFound:       "the requested resource was not found",
	Forbidden:              "you do not have access to this resource",
	OperationTimeout:       "the operation did not complete in time",
	ConcurrentModification: "the resource was modified concurrently, please retry",
	Internal:               "an internal error occurred",
}

// SafeErrorMessage returns a message appropriate to show an external
// caller: Validation messages pass through verbatim (they describe the
// caller's own mistake); everything else maps to a generic, type-keyed
// message so internal detail never leaks.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "an unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeForbidden:
		return ErrorMessages.Forbidden
	case ErrorTypeTransient:
		return ErrorMessages.OperationTimeout
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return ErrorMessages.Internal
	}
}

// LogFields renders err as a structured field map for logrus/zap.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins a set of non-nil errors into one error whose message
// concatenates each with " -> ". Nil entries are filtered out; Chain()
// of zero non-nil errors returns nil; exactly one non-nil error is
// returned unwrapped.
func Chain(errs ...error) error {
	var nonNil []string
	var first error
	count := 0
	for _, e := range errs {
		if e == nil {
			continue
		}
		if count == 0 {
			first = e
		}
		count++
		nonNil = append(nonNil, e.Error())
	}
	switch count {
	case 0:
		return nil
	case 1:
		return first
	default:
		return errors.New(strings.Join(nonNil, " -> "))
	}
}

// Predefined constructors for the taxonomy's most common shapes.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, resource+" not found")
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

func NewForbiddenError(message string) *AppError {
	return New(ErrorTypeForbidden, message)
}

func NewTransientError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeTransient, "transient failure during %s", operation)
}

func NewInvariantError(message string) *AppError {
	return New(ErrorTypeInvariant, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeInternal, "database operation failed: %s", operation)
}
