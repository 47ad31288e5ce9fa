package types

import (
	"errors"
	"fmt"
)

// Error kinds used across the service. Callers classify with errors.Is;
// the HTTP layer maps kinds to status codes.
var (
	ErrBadRequest   = errors.New("bad_request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not_found")
	ErrStaleVersion = errors.New("stale_version")
	ErrTransient    = errors.New("transient")
	ErrInvariant    = errors.New("invariant")

	// Refinements of ErrBadRequest: a name collision and a schema
	// conformance failure get their own HTTP statuses (409 and 422) but
	// still classify as bad requests.
	ErrConflict      = errors.New("conflict")
	ErrUnprocessable = errors.New("unprocessable")
)

// BadRequestf wraps ErrBadRequest with a human-readable explanation.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Forbiddenf wraps ErrForbidden.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Invariantf wraps ErrInvariant. These indicate broken internal contracts
// and are logged server-side.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// refinedError matches both its refined kind and ErrBadRequest under
// errors.Is.
type refinedError struct {
	kind error
	msg  string
}

func (e *refinedError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e *refinedError) Is(target error) bool {
	return target == e.kind || target == ErrBadRequest
}

// Conflictf wraps ErrConflict: the request names something that already
// exists.
func Conflictf(format string, args ...any) error {
	return &refinedError{kind: ErrConflict, msg: fmt.Sprintf(format, args...)}
}

// Unprocessablef wraps ErrUnprocessable: a well-shaped value fails its
// schema.
func Unprocessablef(format string, args ...any) error {
	return &refinedError{kind: ErrUnprocessable, msg: fmt.Sprintf(format, args...)}
}

// StaleVersionError reports an optimistic concurrency failure. It carries
// the version currently stored so the caller can refresh and retry.
type StaleVersionError struct {
	Expected int64
	Current  int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version: expected %d, current %d", e.Expected, e.Current)
}

func (e *StaleVersionError) Is(target error) bool {
	return target == ErrStaleVersion
}

// NewStaleVersion builds a StaleVersionError.
func NewStaleVersion(expected, current int64) error {
	return &StaleVersionError{Expected: expected, Current: current}
}
