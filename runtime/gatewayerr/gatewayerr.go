// Package gatewayerr defines the error taxonomy shared across the gateway.
// Every boundary (HTTP handlers, provider adapters, stores, the orchestrator)
// classifies failures into a small set of kinds so callers can decide whether
// to retry, surface, or swallow without inspecting error strings.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure into a category suitable for HTTP status
// mapping and retry decisions.
type Kind string

const (
	// KindInput indicates a malformed or missing field. Never retried.
	KindInput Kind = "input"

	// KindAuth indicates an unauthenticated or forbidden request.
	KindAuth Kind = "auth"

	// KindNotFound indicates the resource does not exist in the caller's scope.
	KindNotFound Kind = "not_found"

	// KindConflict indicates a uniqueness or state-transition violation, such
	// as a second pending approval for the same salesperson.
	KindConflict Kind = "conflict"

	// KindProvider indicates an external service failure (LLM, SMS provider,
	// embedding service, database). Recovered locally when a fallback exists.
	KindProvider Kind = "provider"

	// KindTransient indicates a retriable failure (timeout, 5xx, rate limit).
	// Background tasks retry these per their policy.
	KindTransient Kind = "transient"

	// KindFatal indicates an invariant violation in our own code. Surfaced as
	// a 5xx after logging.
	KindFatal Kind = "fatal"
)

// Error carries a kind alongside the underlying cause so failures can cross
// package boundaries without losing their classification.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New constructs an Error with the given kind and message. kind is required.
func New(kind Kind, message string) *Error {
	if kind == "" {
		panic("gatewayerr: kind is required")
	}
	return &Error{kind: kind, message: message}
}

// Wrap constructs an Error that preserves cause in the error chain. kind is
// required; cause may be nil when there is no underlying error.
func Wrap(kind Kind, cause error, message string) *Error {
	if kind == "" {
		panic("gatewayerr: kind is required")
	}
	return &Error{kind: kind, message: message, cause: cause}
}

// Input builds a KindInput error from a format string.
func Input(format string, args ...any) *Error {
	return &Error{kind: KindInput, message: fmt.Sprintf(format, args...)}
}

// Auth builds a KindAuth error from a format string.
func Auth(format string, args ...any) *Error {
	return &Error{kind: KindAuth, message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error from a format string.
func NotFound(format string, args ...any) *Error {
	return &Error{kind: KindNotFound, message: fmt.Sprintf(format, args...)}
}

// Conflict builds a KindConflict error from a format string.
func Conflict(format string, args ...any) *Error {
	return &Error{kind: KindConflict, message: fmt.Sprintf(format, args...)}
}

// Provider builds a KindProvider error wrapping cause.
func Provider(cause error, format string, args ...any) *Error {
	return &Error{kind: KindProvider, message: fmt.Sprintf(format, args...), cause: cause}
}

// Transient builds a KindTransient error wrapping cause.
func Transient(cause error, format string, args ...any) *Error {
	return &Error{kind: KindTransient, message: fmt.Sprintf(format, args...), cause: cause}
}

// Fatal builds a KindFatal error wrapping cause.
func Fatal(cause error, format string, args ...any) *Error {
	return &Error{kind: KindFatal, message: fmt.Sprintf(format, args...), cause: cause}
}

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the human-readable message without the cause chain.
func (e *Error) Message() string { return e.message }

func (e *Error) Error() string {
	if e.cause != nil && e.message != "" {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap returns the underlying cause to preserve the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// As returns the first Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf reports the classification of err. Errors outside the taxonomy
// report KindFatal so unclassified failures surface as 5xx rather than
// leaking as something retriable.
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.kind
	}
	return KindFatal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	ge, ok := As(err)
	return ok && ge.kind == kind
}
