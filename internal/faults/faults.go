// Package faults defines the error kinds surfaced to callers. Domain packages
// wrap these sentinels with context; the HTTP boundary selects status codes
// with errors.Is.
package faults

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrDenied          = errors.New("authorization denied")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrGone            = errors.New("gone")
	ErrPrecondition    = errors.New("precondition failed")
	ErrInternal        = errors.New("internal error")
)

// BadRequestf wraps ErrBadRequest with a formatted message.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrBadRequest, args)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrConflict, args)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrNotFound, args)...)
}

// Gonef wraps ErrGone with a formatted message.
func Gonef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrGone, args)...)
}

// Preconditionf wraps ErrPrecondition with a formatted message.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, prepend(ErrPrecondition, args)...)
}

func prepend(err error, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, err)
	return append(out, args...)
}
