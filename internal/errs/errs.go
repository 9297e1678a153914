// Package errs defines the error kinds shared across the simulator's
// components and the propagation rules from spec §7.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories a component can raise. Kinds are
// stable across components so that observers (status/show commands, event
// subscribers) can classify failures without string matching.
type Kind string

const (
	InvalidConfig     Kind = "InvalidConfig"
	InvalidPrefix     Kind = "InvalidPrefix"
	InvalidImpairment Kind = "InvalidImpairment"
	Loss              Kind = "Loss"
	TransportLost     Kind = "TransportLost"
	ProtocolViolation Kind = "ProtocolViolation"
	QueueFull         Kind = "QueueFull"
	NoRoute           Kind = "NoRoute"
	TTLExceeded       Kind = "TTLExceeded"
	DelayOverflow     Kind = "DelayOverflow"
	InterfaceDown     Kind = "InterfaceDown"
	Unsupported       Kind = "Unsupported"
)

// Error is the typed error carried through the system. Field and Reason are
// optional context used by configuration and validation failures.
type Error struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %s", e.Kind, e.Field, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.Sentinel(errs.NoRoute)) style matching: two
// *Error values match when their Kinds are equal.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an Error of the given kind with a free-form reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error of the given kind around an underlying error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Field builds a configuration-style Error naming the offending field.
func Field(kind Kind, field, reason string) *Error {
	return &Error{Kind: kind, Field: field, Reason: reason}
}

// Sentinel returns a zero-value Error of the given kind, suitable as a
// target for errors.Is.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error, with ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
