package kernel

import (
	"errors"
	"fmt"
)

// Kind is one of the fourteen error kinds the kernel returns. It is not a
// Go error hierarchy; every kernel error is a *Error tagged with exactly
// one Kind.
type Kind string

const (
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	PermissionDenied   Kind = "permission_denied"
	ReadOnly           Kind = "read_only"
	PreconditionFailed Kind = "precondition_failed"
	Stale              Kind = "stale"
	Conflict           Kind = "conflict"
	Constraint         Kind = "constraint"
	Unavailable        Kind = "unavailable"
	Cancelled          Kind = "cancelled"
	DeadlineExceeded   Kind = "deadline_exceeded"
	ResourceExhausted  Kind = "resource_exhausted"
	InvalidArgument    Kind = "invalid_argument"
	Internal           Kind = "internal"
)

// Error is the kernel's structured error type. Its message is safe to show
// to a user-facing front-end; the wrapped cause and any sensitive detail
// belong in structured log fields, not in Error().
type Error struct {
	Kind    Kind
	Op      string
	Path    string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg = fmt.Sprintf("%s path=%s", msg, e.Path)
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s subject=%s", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kernel Error with the given kind and op, wrapping cause.
func Errorf(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WithPath returns a copy of the error annotated with a path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithSubject returns a copy of the error annotated with a subject.
func (e *Error) WithSubject(subject string) *Error {
	c := *e
	c.Subject = subject
	return &c
}

func kindOf(err error) (Kind, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return "", false
}

func is(err error, k Kind) bool {
	kind, ok := kindOf(err)
	return ok && kind == k
}

func IsNotFound(err error) bool           { return is(err, NotFound) }
func IsAlreadyExists(err error) bool      { return is(err, AlreadyExists) }
func IsPermissionDenied(err error) bool   { return is(err, PermissionDenied) }
func IsReadOnly(err error) bool           { return is(err, ReadOnly) }
func IsPreconditionFailed(err error) bool { return is(err, PreconditionFailed) }
func IsStale(err error) bool              { return is(err, Stale) }
func IsConflict(err error) bool           { return is(err, Conflict) }
func IsConstraint(err error) bool         { return is(err, Constraint) }
func IsUnavailable(err error) bool        { return is(err, Unavailable) }
func IsCancelled(err error) bool          { return is(err, Cancelled) }
func IsDeadlineExceeded(err error) bool   { return is(err, DeadlineExceeded) }
func IsResourceExhausted(err error) bool  { return is(err, ResourceExhausted) }
func IsInvalidArgument(err error) bool    { return is(err, InvalidArgument) }
func IsInternal(err error) bool           { return is(err, Internal) }
