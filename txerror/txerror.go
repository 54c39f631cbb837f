// Package txerror defines the closed error taxonomy shared by the
// coordinator packages and the default classifier mapping raw store
// errors onto it.
package txerror

import (
	"errors"
	"fmt"
)

// Class tags an error with how the coordinator must treat it.
type Class int

const (
	// Retryable marks transient in-transaction conflicts: serialization
	// failures, deadlocks, lock-wait timeouts, optimistic version mismatches.
	Retryable Class = iota

	// ConstraintViolation marks broken data-integrity rules. Never retried.
	ConstraintViolation

	// Connectivity marks transient connection loss. Retried with a longer
	// backoff than in-transaction conflicts.
	Connectivity

	// Fatal marks programmer, schema and permission errors. Never retried.
	Fatal

	// UnrecoverableState marks a saga whose compensation chain failed.
	// Requires manual reconciliation.
	UnrecoverableState
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case ConstraintViolation:
		return "constraint_violation"
	case Connectivity:
		return "connectivity"
	case Fatal:
		return "fatal"
	case UnrecoverableState:
		return "unrecoverable_state"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Error is a store error annotated with its classification. The original
// error stays reachable through Unwrap for diagnostics.
type Error struct {
	class      Class
	constraint string
	attempts   int
	cause      error
}

// New wraps cause with the given class.
func New(class Class, cause error) *Error {
	return &Error{class: class, cause: cause}
}

// Newf builds a classified error from a format string.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{class: class, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.class, e.cause)
	if e.constraint != "" {
		msg += fmt.Sprintf(" (constraint %s)", e.constraint)
	}
	if e.attempts > 0 {
		msg += fmt.Sprintf(" (after %d attempts)", e.attempts)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Class returns the classification tag.
func (e *Error) Class() Class { return e.class }

// Constraint returns the offending constraint name, if known.
func (e *Error) Constraint() string { return e.constraint }

// Attempts returns how many attempts the coordinator made before
// surfacing this error, or 0 when it was not retried.
func (e *Error) Attempts() int { return e.attempts }

// WithConstraint returns a copy carrying the offending constraint name.
func (e *Error) WithConstraint(name string) *Error {
	clone := *e
	clone.constraint = name
	return &clone
}

// Annotate attaches an attempt count to err. Already-classified errors are
// copied with the count set; anything else is first classified. Constraint
// violations carry the offending constraint name when the store error
// reports one.
func Annotate(err error, attempts int) *Error {
	var classified *Error
	if !errors.As(err, &classified) {
		classified = New(Classify(err), err)
	}
	clone := *classified
	clone.attempts = attempts
	if clone.class == ConstraintViolation && clone.constraint == "" {
		clone.constraint = ConstraintName(err)
	}
	return &clone
}

// ClassOf extracts the classification of err, walking the wrap chain.
// Unclassified errors fall back to the default classifier.
func ClassOf(err error) Class {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class()
	}
	return Classify(err)
}

// IsRetryable reports whether err may be retried from a fresh transaction.
func IsRetryable(err error) bool {
	class := ClassOf(err)
	return class == Retryable || class == Connectivity
}
