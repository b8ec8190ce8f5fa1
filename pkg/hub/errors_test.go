package hub

import (
	"errors"
	"testing"
)

func TestErrorMessagePrefersMessageOverKind(t *testing.T) {
	e := NewError(KindValidationFailed, "display_name is required")
	if e.Error() != "display_name is required" {
		t.Fatalf("Error() = %q, want the message", e.Error())
	}

	bare := &Error{Kind: KindInternal}
	if bare.Error() != "internal" {
		t.Fatalf("Error() = %q, want the bare kind", bare.Error())
	}
}

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(KindInternal, "dial db", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected Wrap() to unwrap to its cause")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("some random error")); got != KindInternal {
		t.Fatalf("KindOf(plain error) = %q, want internal", got)
	}
	if got := KindOf(NewError(KindNotFound, "missing")); got != KindNotFound {
		t.Fatalf("KindOf(*Error) = %q, want not_found", got)
	}
	if got := KindOf(nil); got != KindInternal {
		t.Fatalf("KindOf(nil) = %q, want internal", got)
	}
}

func TestSentinelErrorsCarryExpectedKind(t *testing.T) {
	if KindOf(ErrNotFound) != KindNotFound {
		t.Fatalf("ErrNotFound should classify as not_found, got %q", KindOf(ErrNotFound))
	}
	if KindOf(ErrAlreadyExists) != KindValidationFailed {
		t.Fatalf("ErrAlreadyExists should classify as validation_failed, got %q", KindOf(ErrAlreadyExists))
	}
}
