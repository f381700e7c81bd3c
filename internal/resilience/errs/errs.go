// Package errs implements the error taxonomy surfaced to callers of the
// fleet's dispatch API.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification.
type Kind string

// Error kinds, matching the taxonomy of the dispatch layer's contract.
const (
	// KindQueueFull means backpressure: submission was rejected immediately.
	KindQueueFull Kind = "queue_full"
	// KindNoUpstreamAvailable means the selector found no eligible connection.
	KindNoUpstreamAvailable Kind = "no_upstream_available"
	// KindTimeout means a deadline elapsed in queue or during the upstream call.
	KindTimeout Kind = "timeout"
	// KindCancelled means explicit cancellation by the caller or shutdown.
	KindCancelled Kind = "cancelled"
	// KindCircuitOpen means the chosen upstream's breaker refused the call.
	KindCircuitOpen Kind = "circuit_open"
	// KindTransport means underlying I/O or process failure; retriable.
	KindTransport Kind = "transport"
	// KindProtocol means a malformed frame or contract violation from upstream.
	KindProtocol Kind = "protocol"
	// KindRemote means the upstream explicitly returned an error.
	KindRemote Kind = "remote"
	// KindConfiguration means invalid configuration at startup or update.
	KindConfiguration Kind = "configuration_error"
	// KindLimitExceeded means an operation exceeded a configured resource cap.
	KindLimitExceeded Kind = "limit_exceeded"
)

// Sentinel errors for use with errors.Is() against a bare Kind comparison
// when callers don't need the structured Error below.
var (
	ErrQueueFull           = errors.New(string(KindQueueFull))
	ErrNoUpstreamAvailable = errors.New(string(KindNoUpstreamAvailable))
	ErrTimeout             = errors.New(string(KindTimeout))
	ErrCancelled           = errors.New(string(KindCancelled))
	ErrCircuitOpen         = errors.New(string(KindCircuitOpen))
)

// Error is the structured error type returned by the dispatch layer.
// It carries a stable kind tag, a human-readable message, and optional
// context (upstream name, correlation id) per the error-handling design.
type Error struct {
	Kind        Kind
	Message     string
	Upstream    string
	Correlation string
	Err         error
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithUpstream returns a copy of e annotated with the upstream name.
func (e *Error) WithUpstream(name string) *Error {
	cp := *e
	cp.Upstream = name
	return &cp
}

// WithCorrelation returns a copy of e annotated with a correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.Correlation = id
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Upstream != "" {
		msg = fmt.Sprintf("%s (upstream=%s)", msg, e.Upstream)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target sentinel error,
// comparing by Kind so errors.Is(err, ErrTimeout) works regardless of
// the message or context attached.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrQueueFull:
		return e.Kind == KindQueueFull
	case ErrNoUpstreamAvailable:
		return e.Kind == KindNoUpstreamAvailable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrCircuitOpen:
		return e.Kind == KindCircuitOpen
	}
	return false
}

// Retriable reports whether the fleet may retry the call against a
// different upstream, per the propagation rules in the error design:
// Transport, Timeout, CircuitOpen, and NoUpstreamAvailable are
// candidates for fleet-level retry; Remote and Protocol are always
// surfaced as-is.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout, KindCircuitOpen, KindNoUpstreamAvailable:
		return true
	default:
		return false
	}
}
