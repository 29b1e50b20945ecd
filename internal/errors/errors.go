// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import "fmt"

// Kind defines the category of error. Trimmed to the two kinds this
// repository actually raises: bad input (config, control endpoint
// bodies) and everything else that isn't the caller's fault.
type Kind int

const (
	KindValidation Kind = iota
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error represents a structured error in the relay system.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error, so errors.Is/errors.As see
// through an Error to whatever it wraps.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind
// with a formatted message. Returns nil if err is nil.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}
