// Package errs defines the typed error taxonomy shared by the resolver,
// coordinator, expression engine and HTTP layer.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and HTTP mapping.
type Kind string

const (
	// Client errors.
	ParseError           Kind = "ParseError"
	MalformedToken       Kind = "MalformedToken"
	UnknownSymbol        Kind = "UnknownSymbol"
	UnsupportedParameter Kind = "UnsupportedParameter"
	EmptyRange           Kind = "EmptyRange"
	EmptyResult          Kind = "EmptyResult"

	// Resolution errors.
	UnknownRoot     Kind = "UnknownRoot"
	NoChainForRange Kind = "NoChainForRange"

	// Upstream errors. AuthRejected is permanent (never retried): the
	// gateway session needs operator attention.
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	PacingViolation     Kind = "PacingViolation"
	NoDataFarm          Kind = "NoDataFarm"
	AuthRejected        Kind = "AuthRejected"
	Timeout             Kind = "Timeout"
	Cancelled           Kind = "Cancelled"

	// Programmer error; surfaces as 500.
	Invariant Kind = "Invariant"
)

// Error carries a Kind plus a display-safe message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match any error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel returns a bare kinded error suitable for errors.Is targets.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf walks the wrap chain and returns the first Kind found,
// defaulting to Invariant for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Invariant
}

// Retryable reports whether the coordinator should retry the request.
// Only transient upstream conditions qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case UpstreamUnavailable, PacingViolation, NoDataFarm:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the response status used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ParseError, MalformedToken, UnknownSymbol, UnsupportedParameter,
		EmptyRange, EmptyResult, UnknownRoot, NoChainForRange:
		return 400
	case UpstreamUnavailable, PacingViolation, NoDataFarm, AuthRejected:
		return 503
	case Timeout, Cancelled:
		return 504
	}
	return 500
}
