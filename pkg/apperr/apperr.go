// Package apperr defines the closed error-kind taxonomy shared by the
// management service and worker agent, so callers can branch on failure
// category instead of parsing error strings.
package apperr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind is a closed taxonomy of failure categories. Every error surfaced
// across a component boundary (storage, runtime, control channel, RPC)
// carries one of these.
type Kind string

const (
	// InvalidArgument means the caller supplied a malformed or
	// out-of-range request.
	InvalidArgument Kind = "invalid_argument"
	// NotFound means the referenced entity does not exist.
	NotFound Kind = "not_found"
	// FailedPrecondition means the entity exists but is not in a state
	// that permits the requested operation (e.g. deleting a pinned
	// object).
	FailedPrecondition Kind = "failed_precondition"
	// ResourceExhausted means a capacity limit was reached (pool at
	// max_instances, rate limiter denied, disk quota).
	ResourceExhausted Kind = "resource_exhausted"
	// Unavailable means a dependency is temporarily down; callers may
	// retry with backoff.
	Unavailable Kind = "unavailable"
	// Transport means a network-level failure occurred; retryable.
	Transport Kind = "transport"
	// Timeout means an operation did not complete within its deadline.
	Timeout Kind = "timeout"
	// Internal means an unexpected, non-retryable failure occurred.
	Internal Kind = "internal"
	// Storage means the KV store returned an error.
	Storage Kind = "storage"
	// DataLoss means a subscriber's cursor points before the oldest
	// retained event and cannot be resumed without a full re-bootstrap.
	DataLoss Kind = "data_loss"
)

// Error is a Kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving its stack via
// cockroachdb/errors.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: errors.Wrap(cause, msg)}
}

// KindOf returns the Kind of err, or Internal if err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error's Kind represents a transient
// condition a caller should retry (spec: only Timeout and Transport are
// retried automatically by the execution manager).
func Retryable(err error) bool {
	k := KindOf(err)
	return k == Timeout || k == Transport || k == Unavailable
}
