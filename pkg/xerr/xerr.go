// Package xerr defines the stable error kinds surfaced to callers, logs and
// the executions stream. Connectors map SDK and transport failures onto these
// kinds; downstream components branch on Kind, not on error text.
package xerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for callers and operators.
type Kind string

const (
	// Timeout: deadline exceeded on I/O or a state transition.
	Timeout Kind = "TIMEOUT"
	// Unavailable: venue or source unreachable after retries. Not fatal;
	// the component degrades for the cycle.
	Unavailable Kind = "UNAVAILABLE"
	// Rejected: venue explicitly refused (bad price/size, insufficient
	// funds). Terminal for that attempt.
	Rejected Kind = "REJECTED"
	// RiskBlocked: risk manager denied the opportunity or position.
	RiskBlocked Kind = "RISK_BLOCKED"
	// Invalid: malformed request. Terminal.
	Invalid Kind = "INVALID"
	// PartialFill: one leg filled, the other did not; triggers rollback.
	PartialFill Kind = "PARTIAL_FILL"
	// Internal: bug or invariant violation.
	Internal Kind = "INTERNAL"
)

// Error carries a kind, a human message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil cause
// yields nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Plain context errors map to
// TIMEOUT, network errors to UNAVAILABLE, anything else to INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return Unavailable
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an attempt with this error may be retried.
// Venue rejections and malformed requests are permanent.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Rejected, Invalid, RiskBlocked:
		return false
	}
	return true
}
