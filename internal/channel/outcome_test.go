package channel

import (
	"errors"
	"strings"
	"testing"
)

func TestSendOutcomeClassification(t *testing.T) {
	t.Parallel()

	if o := Sent("id-1"); !o.OK() || o.Retryable() {
		t.Fatalf("unexpected success outcome: %+v", o)
	}
	if o := TransientFailure(errors.New("timeout")); o.OK() || !o.Retryable() {
		t.Fatalf("unexpected transient outcome: %+v", o)
	}
	if o := PermanentFailure(errors.New("bad recipient")); o.OK() || o.Retryable() {
		t.Fatalf("unexpected permanent outcome: %+v", o)
	}
	if o := AuthFailure(errors.New("rejected"), 401, "token expired"); o.OK() || o.Retryable() || o.Class != FailureAuth {
		t.Fatalf("unexpected auth outcome: %+v", o)
	}
}

func TestErrorSummaryIncludesDetail(t *testing.T) {
	t.Parallel()

	o := AuthFailure(errors.New("rejected"), 401, "token expired")
	if got := o.ErrorSummary(); got != "rejected: token expired" {
		t.Fatalf("unexpected summary: %q", got)
	}
	if got := Sent("x").ErrorSummary(); got != "" {
		t.Fatalf("success should have no summary, got %q", got)
	}
}

func TestTruncateDetail(t *testing.T) {
	t.Parallel()

	if got := TruncateDetail("  short  "); got != "short" {
		t.Fatalf("unexpected detail: %q", got)
	}
	long := strings.Repeat("x", 1000)
	if got := TruncateDetail(long); len(got) != 512 {
		t.Fatalf("detail should be bounded at 512, got %d", len(got))
	}
}
