// Package cserr provides error wrapping with call-site context plus a small
// taxonomy of error kinds that the HTTP layer translates into status codes.
package cserr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation policy and HTTP translation.
type Kind int

const (
	// Internal is the zero value: unclassified failure.
	Internal Kind = iota

	// NotFound means the referenced entity is absent.
	NotFound

	// InvalidTransition means a state machine rejected the event.
	InvalidTransition

	// Validation means schema-level rejection of a request.
	Validation

	// Auth means a bad or missing bearer token.
	Auth

	// Conflict means an optimistic-lock or CAS loss; retryable.
	Conflict

	// Timeout means an upstream deadline was exceeded; retryable.
	Timeout

	// Dependency means the store, cache or object store was unreachable.
	Dependency
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidTransition:
		return "invalid_transition"
	case Validation:
		return "validation"
	case Auth:
		return "auth"
	case Conflict:
		return "conflict"
	case Timeout:
		return "timeout"
	case Dependency:
		return "dependency"
	default:
		return "internal"
	}
}

// kindError carries a Kind along the error chain.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() error { return e.err }

// Wrap adds a stack trace to the given error, if it doesn't already carry one.
func Wrap(err error) error {
	return errors.WithStack(err)
}

// Wrapf adds a stack trace and a formatted message to the given error.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Fmt creates a new error with a stack trace from a format string.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// WithKind annotates err with the given Kind. The Kind survives further
// wrapping with Wrap/Wrapf.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// NewKind creates a new error of the given Kind with a formatted message and
// a stack trace.
func NewKind(kind Kind, format string, args ...interface{}) error {
	return WithKind(kind, errors.Errorf(format, args...))
}

// KindOf returns the Kind closest to the head of the error chain, or Internal
// if no Kind was attached.
func KindOf(err error) Kind {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind
	}
	return Internal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Unwrap returns the innermost error in the chain, for comparing against
// sentinel errors defined by other packages.
func Unwrap(err error) error {
	for {
		next := stderrors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

var _ fmt.Stringer = Kind(0)
