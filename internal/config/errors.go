package config

import (
	"errors"
	"fmt"
)

// Error kinds returned by directives. Every validation failure wraps exactly
// one of them, so callers can branch with errors.Is.
var (
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrRangeViolation    = errors.New("range violation")
	ErrCapabilityMissing = errors.New("capability missing")
	ErrPathNotWritable   = errors.New("path not writable")
	ErrArityMismatch     = errors.New("arity mismatch")
	ErrAddressResolution = errors.New("address resolution failure")
	ErrUnknownDirective  = errors.New("unknown directive")
	ErrUnknownOption     = errors.New("unknown option")
	ErrUnknownHook       = errors.New("unknown hook")
)

// DirectiveError reports a rejected directive value.
type DirectiveError struct {
	Directive string
	Kind      error
	Msg       string
}

func (e *DirectiveError) Error() string {
	if e.Directive == "" {
		return e.Msg
	}
	return e.Directive + ": " + e.Msg
}

func (e *DirectiveError) Unwrap() error {
	return e.Kind
}

func newError(directive string, kind error, format string, args ...any) error {
	return &DirectiveError{
		Directive: directive,
		Kind:      kind,
		Msg:       fmt.Sprintf(format, args...),
	}
}
