// Package errs defines the closed set of domain error kinds shared across
// Bay's components and the HTTP status each maps to at the façade boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a domain error category.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindInvalidRequest
	KindCapacityExhaustedReject
	KindCapacityExhaustedWaitTimeout
	KindBackendUnreachable
	KindImagePullFailed
	KindQuotaExceeded
	KindShipUnready
	KindBackendTimeout
	KindConflict
)

// Error is a typed domain error carrying its HTTP mapping with it, so the
// façade has a single dispatch point instead of a per-handler status table.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error kind maps to.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindCapacityExhaustedReject:
		return http.StatusConflict
	case KindCapacityExhaustedWaitTimeout:
		return http.StatusGatewayTimeout
	case KindBackendUnreachable, KindQuotaExceeded:
		return http.StatusBadGateway
	case KindImagePullFailed:
		return http.StatusServiceUnavailable
	case KindShipUnready:
		return http.StatusServiceUnavailable
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(what, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", what, id))
}

// As is a thin re-export so callers don't need a second import for the
// common case of pulling a *Error out of a wrapped error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
