package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("load session: %w", Wrap(CodeStorageFailure, cause, "读取会话失败"))

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause should be reachable through errors.Is")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("errors.Is should match on code")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, HTTPStatus: http.StatusGone})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if HTTPStatus(err) != http.StatusGone {
		t.Fatalf("unexpected status: %d", HTTPStatus(err))
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
}

func TestHTTPStatusFallbacks(t *testing.T) {
	if got := HTTPStatus(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500, got %d", got)
	}
	if got := HTTPStatus(New(CodeNotFound, "missing")); got != http.StatusNotFound {
		t.Fatalf("not found should map to 404, got %d", got)
	}
	if got := HTTPStatus(New(CodeStorageFailure, "")); got != http.StatusInternalServerError {
		t.Fatalf("storage failure should map to 500, got %d", got)
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "x", WithRetryable(false), WithAlert(false), WithMetadata("session_id", "s1"))
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("options should override registry defaults")
	}
	if err.Metadata()["session_id"] != "s1" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}
