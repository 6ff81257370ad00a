// Package errors defines the closed set of error kinds surfaced by the ward
// engine. Callers branch on Kind, never on message text; the retry executor
// consults Retryable to decide whether an attempt may be repeated.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindInternal covers unexpected failures with no better classification.
	KindInternal Kind = iota
	// KindValidation marks illegal caller input.
	KindValidation
	// KindInvalidTransition marks a state change rejected by a state machine.
	KindInvalidTransition
	// KindLockAcquisition marks a distributed mutex that could not be taken
	// within the blocking timeout.
	KindLockAcquisition
	// KindStaleObject marks an optimistic write whose expected version no
	// longer matched the stored one.
	KindStaleObject
	// KindSerializationConflict marks a database-level serialization failure.
	KindSerializationConflict
	// KindConnection marks a transient infrastructure failure talking to the
	// lock store or the database.
	KindConnection
	// KindUnavailable is surfaced to callers after retries are exhausted.
	KindUnavailable
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindLockAcquisition:
		return "lock_acquisition"
	case KindStaleObject:
		return "stale_object"
	case KindSerializationConflict:
		return "serialization_conflict"
	case KindConnection:
		return "connection"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether errors of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindLockAcquisition, KindStaleObject, KindSerializationConflict, KindConnection:
		return true
	default:
		return false
	}
}

// Error is the concrete error type produced by every ward component.
type Error struct {
	Kind          Kind
	Msg           string
	CorrelationID string
	Err           error
}

// Error implements the error interface. The message never embeds lock keys or
// driver internals; those stay in the wrapped Err for logs only.
func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("ward: %s: %s (correlation %s)", e.Kind, e.Msg, e.CorrelationID)
	}
	return fmt.Sprintf("ward: %s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New returns a new Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithCorrelation returns a copy of the error carrying the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// KindOf extracts the Kind from an error chain. Plain errors classify as
// KindInternal, except context and net failures which are treated as
// transient connection problems.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	if isTransient(err) {
		return KindConnection
	}
	return KindInternal
}

// Retryable reports whether the error chain contains a retryable kind.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// CorrelationOf extracts the correlation id from an error chain, if any.
func CorrelationOf(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.CorrelationID
	}
	return ""
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}
