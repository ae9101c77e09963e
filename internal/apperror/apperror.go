package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and the HTTP layer
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindAuthorization   Kind = "authorization"
	KindExternalService Kind = "external_service"
	KindInternal        Kind = "internal"
)

var kindStatus = map[Kind]int{
	KindNotFound:        http.StatusNotFound,
	KindValidation:      http.StatusBadRequest,
	KindConflict:        http.StatusConflict,
	KindAuthorization:   http.StatusForbidden,
	KindExternalService: http.StatusBadGateway,
	KindInternal:        http.StatusInternalServerError,
}

// Error is the typed error returned by the order core.
// Message is safe to show to clients; Err is only logged.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Status:  statusFor(kind),
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches an underlying cause to a new Error
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	e := New(kind, format, args...)
	e.Err = err
	return e
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(KindAuthorization, format, args...)
}

// External wraps a failure from a third-party service, keeping its detail message
func External(err error, format string, args ...interface{}) *Error {
	e := Wrap(KindExternalService, err, format, args...)
	if err != nil {
		e.Message = fmt.Sprintf("%s: %v", e.Message, err)
	}
	return e
}

func Internal(err error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// As returns the first *Error in err's chain
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for untyped errors
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status code for err
func StatusOf(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func statusFor(kind Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}
