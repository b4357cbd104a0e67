package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeUpstreamUnavailable, cause, "查询 MAST 失败", WithMetadata("tic", "261155555"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if CodeOf(err) != CodeUpstreamUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("upstream failures should be retryable")
	}
	if got := err.Metadata()["tic"]; got != "261155555" {
		t.Fatalf("unexpected metadata: %q", got)
	}
}

func TestOverridesTakePrecedence(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithSeverity(SeverityInfo), WithAlert(false))
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("overrides ignored: retry=%v alert=%v sev=%s", err.Retryable(), err.ShouldAlert(), err.Severity())
	}
	if err.Message() != "storage failure" {
		t.Fatalf("expected registered default message, got %q", err.Message())
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeTimeout, "catalog timeout")
	outer := Wrap(CodeExecutorFailure, fmt.Errorf("stage A: %w", inner), "pipeline failed")

	if !HasCode(outer, CodeTimeout) {
		t.Fatalf("expected nested TIMEOUT code to be found")
	}
	if HasCode(outer, CodeExportFailure) {
		t.Fatalf("unexpected EXPORT_FAILURE match")
	}
	if CodeOf(outer) != CodeExecutorFailure {
		t.Fatalf("CodeOf should report the outermost code")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attrs := AttributesOf(Code("NOPE"))
	if attrs.Severity != SeverityCritical {
		t.Fatalf("expected UNKNOWN attributes, got %+v", attrs)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}
