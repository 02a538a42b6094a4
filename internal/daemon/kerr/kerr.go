// Package kerr defines the structured error type shared by all kernel
// components. Every error carries a kind (which decides the HTTP status)
// and a stable machine-readable code.
package kerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a kernel error.
type Kind int

const (
	// Validation: malformed identity, out-of-range value, unknown enum.
	Validation Kind = iota
	// NotFound: unknown service/session/agent/lock on read or update.
	NotFound
	// Conflict: resource held by someone else (lock held, port in use,
	// file claimed by another active session).
	Conflict
	// Expired: the resource existed but its lease has lapsed. Reads treat
	// this as NotFound; releases treat it as a successful no-op.
	Expired
	// Capacity: rate limit, too many SSE streams, body too large.
	Capacity
	// Transient: busy-retry exhausted, free-port search failed. Safe for
	// the caller to retry.
	Transient
	// Internal: everything unexpected.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Expired:
		return "expired"
	case Capacity:
		return "capacity"
	case Transient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a structured kernel error.
type Error struct {
	Kind    Kind
	Code    string         // stable code, e.g. "LOCK_HELD"
	Message string         // human-readable detail
	Details map[string]any // structured detail (current holder, expiry, ...)
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// WithDetail attaches one structured detail entry and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind and code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Internal error around an underlying failure.
func Wrap(code string, err error) *Error {
	return &Error{Kind: Internal, Code: code, Message: "unexpected failure", wrapped: err}
}

// Validationf creates a Validation error.
func Validationf(code, format string, args ...any) *Error {
	return New(Validation, code, format, args...)
}

// NotFoundf creates a NotFound error.
func NotFoundf(code, format string, args ...any) *Error {
	return New(NotFound, code, format, args...)
}

// Conflictf creates a Conflict error.
func Conflictf(code, format string, args ...any) *Error {
	return New(Conflict, code, format, args...)
}

// As extracts a *Error from err, or wraps err as Internal.
func As(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return Wrap("INTERNAL", err)
}

// IsKind reports whether err is a kernel error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ke *Error
	return errors.As(err, &ke) && ke.Kind == kind
}

// HTTPStatus maps an error kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case NotFound, Expired:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Capacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may usefully retry.
func (e *Error) Retryable() bool {
	return e.Kind == Transient
}
