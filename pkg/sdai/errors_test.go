package sdai

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("create model: %w", NewError(ModelDuplicate, "model %q exists", "A"))
	if !errors.Is(err, Code(ModelDuplicate)) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if errors.Is(err, Code(SchemaInstanceDup)) {
		t.Fatalf("unexpected match for different code")
	}
	if !IsCode(err, ModelDuplicate) {
		t.Fatalf("IsCode failed")
	}
	if code, ok := CodeOf(errors.New("plain")); ok || code != "" {
		t.Fatalf("plain error must not carry a code")
	}
}

func TestErrorMessageFallsBackToDescription(t *testing.T) {
	e := &Error{Code: SessionNotOpen}
	if !strings.Contains(e.Error(), "session not open") {
		t.Fatalf("unexpected message %q", e.Error())
	}
	wrapped := &Error{Code: SystemError, Message: "save", Err: errors.New("disk full")}
	if !strings.Contains(wrapped.Error(), "disk full") || !errors.Is(wrapped, wrapped.Err) {
		t.Fatalf("expected wrapped cause in %q", wrapped.Error())
	}
	if ErrorCode("ZZ").Describe() != "unknown error" {
		t.Fatalf("unexpected description for unknown code")
	}
}
