package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeStorageFailure, cause, "写入失败")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are retryable by default")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("errors with the same code should match")
	}
}

func TestRegisterOverridesAttributes(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message from registry, got %q", err.Message())
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if New(code, "", WithRetryable(false)).Retryable() {
		t.Fatalf("explicit option should override registry")
	}
	if AttributesOf("MISSING").Severity != SeverityCritical {
		t.Fatalf("unknown codes should fall back to UNKNOWN attributes")
	}
	if !slices.Contains(Registered(), code) {
		t.Fatalf("registered code not listed")
	}
}

func TestTransientIsRetryable(t *testing.T) {
	err := Transient(stdErrors.New("429"), "rate limited")
	if !RetryableError(err) || CodeOf(err) != CodeTransient {
		t.Fatalf("unexpected transient error: %v", err)
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are never retryable")
	}
	if ShouldAlert(err) {
		t.Fatalf("transient failures do not alert")
	}
}

func TestLogAttrsIncludesMetadata(t *testing.T) {
	err := New(CodeConflict, "busy", WithDataset("abc"))
	attrs := LogAttrs(fmt.Errorf("cancel: %w", err))
	want := []string{"error", "code", "severity", "retryable", "dataset"}
	if len(attrs) != len(want) {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
	for i, a := range attrs {
		if attr := a.(slog.Attr); attr.Key != want[i] {
			t.Fatalf("attr %d: got %s want %s", i, attr.Key, want[i])
		}
	}
	if got := attrs[4].(slog.Attr).Value.String(); got != "abc" {
		t.Fatalf("dataset attr: %s", got)
	}
	if plain := LogAttrs(stdErrors.New("x")); len(plain) != 1 {
		t.Fatalf("plain error attrs: %v", plain)
	}
}
