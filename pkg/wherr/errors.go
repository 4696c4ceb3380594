// Package wherr defines the agent's semantic error kinds (spec.md §7):
// validation, not-found, conflict, backend-failure, inject-failed,
// container-start-failed, unexpected. HTTP handlers translate a Kind into
// a status code; everything else just wraps and propagates.
package wherr

import (
	"errors"
	"fmt"
)

// Kind is a semantic error category, independent of the Go error type that
// carries it.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not-found"
	KindConflict             Kind = "conflict"
	KindBackendFailure       Kind = "backend-failure"
	KindInjectFailed         Kind = "inject-failed"
	KindContainerStartFailed Kind = "container-start-failed"
	KindUnexpected           Kind = "unexpected"
)

// HTTPStatus returns the HTTP status code the httpapi package maps this
// kind to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	default:
		return 500
	}
}

// Error is a semantically-kinded error that wraps an underlying cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given kind wrapping cause. If cause is nil,
// Wrap returns a nil *Error, so there is only an error when there is
// something to wrap.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting
// to KindUnexpected otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}
