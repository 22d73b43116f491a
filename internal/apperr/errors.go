package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the HTTP layer
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindGuardFailed       Kind = "GUARD_FAILED"
	KindStateConflict     Kind = "STATE_CONFLICT"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// Error is a business error surfaced to callers
type Error struct {
	Kind    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail returns e with an extra detail attached
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "invalid status transition"}
	ErrGuardFailed       = &Error{Kind: KindGuardFailed, Message: "transition guard failed"}
	ErrStateConflict     = &Error{Kind: KindStateConflict, Message: "resource was modified concurrently"}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "resource not found"}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a VALIDATION_ERROR
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// InvalidTransition creates an INVALID_TRANSITION error
func InvalidTransition(format string, args ...any) *Error {
	return newf(KindInvalidTransition, format, args...)
}

// GuardFailed creates a GUARD_FAILED error
func GuardFailed(format string, args ...any) *Error {
	return newf(KindGuardFailed, format, args...)
}

// StateConflict creates a STATE_CONFLICT error
func StateConflict(format string, args ...any) *Error {
	return newf(KindStateConflict, format, args...)
}

// InsufficientStock creates an INSUFFICIENT_STOCK error
func InsufficientStock(format string, args ...any) *Error {
	return newf(KindInsufficientStock, format, args...)
}

// NotFound creates a NOT_FOUND error
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidTransition, KindGuardFailed:
		return http.StatusUnprocessableEntity
	case KindStateConflict, KindInsufficientStock:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
