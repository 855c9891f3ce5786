// Package bkerrors defines the backend's error kinds (spec.md §7). Every
// component returns one of these instead of a bare syscall errno so that
// callers can branch on kind without parsing strings.
package bkerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the backend's structured error categories.
type Kind int

const (
	// KindIO covers EIO on memory access and EOF when an address space
	// vanishes out from under a read.
	KindIO Kind = iota
	// KindNoSuchTracee is ESRCH from ptrace, which the caller resolves
	// via /proc into either "zombie, reap" or "gone, delete".
	KindNoSuchTracee
	// KindPermissionDenied is EPERM on attach or setns.
	KindPermissionDenied
	// KindInvariant marks an internal bug; callers should treat it as
	// fatal to the backend instance.
	KindInvariant
	// KindProtocol is a MountNsHelper peer protocol violation; also
	// fatal to that helper connection.
	KindProtocol
	// KindNoResumed is not really an error: it is the "nothing left to
	// wait for" outcome of wait(), modeled here so it can still flow
	// through error-returning helpers that feed the Event enum.
	KindNoResumed
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNoSuchTracee:
		return "no-such-tracee"
	case KindPermissionDenied:
		return "permission-denied"
	case KindInvariant:
		return "invariant"
	case KindProtocol:
		return "protocol"
	case KindNoResumed:
		return "no-resumed"
	default:
		return "unknown"
	}
}

// Error is a backend error: a Kind plus the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with a Kind and the operation that produced it,
// attaching a stack trace via github.com/pkg/errors the way the teacher
// annotates syscall failures with call-site context.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// New builds a Kind-only error with no underlying cause (used for
// Invariant assertion failures).
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			be = e
			break
		}
		err = errors.Unwrap(err)
	}
	return be != nil && be.Kind == kind
}
