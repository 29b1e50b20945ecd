// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	stderrors "errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}
}

func TestWrapf(t *testing.T) {
	cause := stderrors.New("invalid input")
	wrapped := Wrapf(cause, KindInternal, "failed to validate %s", "config")
	if wrapped.Error() != "failed to validate config: invalid input" {
		t.Errorf("expected 'failed to validate config: invalid input', got '%s'", wrapped.Error())
	}

	if Wrapf(nil, KindInternal, "no error") != nil {
		t.Error("expected Wrapf(nil, ...) to return nil")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("invalid input")
	wrapped := Wrapf(cause, KindInternal, "failed")

	var e *Error
	if !stderrors.As(wrapped, &e) {
		t.Fatal("expected errors.As to find *Error in the chain")
	}
	if e.Kind != KindInternal {
		t.Errorf("expected KindInternal, got %v", e.Kind)
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("expected errors.Is to see through Error to its Underlying cause")
	}
}

func TestKindString(t *testing.T) {
	if KindValidation.String() != "validation" {
		t.Errorf("expected 'validation', got '%s'", KindValidation.String())
	}
	if KindInternal.String() != "internal" {
		t.Errorf("expected 'internal', got '%s'", KindInternal.String())
	}
}
