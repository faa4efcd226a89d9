// Package apierr defines the gateway's error kinds (spec.md §7) as a small
// status-code-carrying error type, in the style of internal/mcp-router's
// RouterError: a wrapped error plus a code the HTTP layer maps in one
// place.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the error kinds from spec.md §7.
type Kind string

const (
	// KindValidation covers name-pattern failures and immutable-field
	// mutation attempts.
	KindValidation Kind = "ValidationFailure"
	// KindConflict covers create-time name collisions.
	KindConflict Kind = "Conflict"
	// KindNotFound covers store misses.
	KindNotFound Kind = "NotFound"
	// KindForbidden covers permission-evaluator denials.
	KindForbidden Kind = "Forbidden"
	// KindUpstreamFailed covers orchestrator/store transport errors.
	KindUpstreamFailed Kind = "UpstreamFailed"
	// KindServiceUnavailable covers missing backends/sessions.
	KindServiceUnavailable Kind = "ServiceUnavailable"
)

// Error is a Kind-tagged error that knows its HTTP status code.
type Error struct {
	Kind Kind
	Err  error
}

// New builds an Error wrapping err under kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error kind to the HTTP status code spec.md §7 assigns
// it. Unknown errors (not an *Error) map to 500.
func StatusCode(err error) int {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err's kind equals kind, looking through wrapping.
func Is(err error, kind Kind) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == kind
}
