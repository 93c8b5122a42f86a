// Package errors provides the kernel error kinds used across the backtest.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds
const (
	KindInvalid   = "Invalid"
	KindStrategy  = "Strategy"
	KindInvariant = "Invariant"
	KindNotFound  = "NotFound"
)

var (
	// Invalid marks a configuration or construction time violation.
	Invalid = NewWithKind(KindInvalid)
	// Strategy marks an exception that escaped user strategy code.
	Strategy = NewWithKind(KindStrategy)
	// Invariant marks a ledger invariant broken at runtime.
	Invariant = NewWithKind(KindInvariant)
	// NotFound marks an unknown order or instrument.
	NotFound = NewWithKind(KindNotFound)
)

// FieldError represents a validation error for a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message,omitempty"`
}

func (f *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`
	// Fields used when a config struct fails validation.
	Fields []FieldError `json:"fields,omitempty"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	for _, f := range e.Fields {
		str += fmt.Sprintf(" {%s}", f.Error())
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// WithStack attaches a captured stack, e.g. from a recovered panic.
func (e *Error) WithStack(stack []byte) *Error {
	err := *e
	err.trace = append([]byte(nil), stack...)
	return &err
}

// Trace captures the current goroutine stack
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	return e.WithStack(stack[:n])
}

// WithField returns a copy of error with one more field error.
func (e *Error) WithField(field, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Field: field, Message: message})
	return &err
}

// StackTrace returns the captured trace, if any
func (e *Error) StackTrace() string {
	return string(e.trace)
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}
