package outbox

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	t.Parallel()

	policy := BackoffPolicy{Base: 30 * time.Second, Cap: time.Hour, MaxAttempts: 8}

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		time.Hour,
		time.Hour,
	}
	for i, expected := range want {
		if got := policy.NextDelay(i + 1); got != expected {
			t.Fatalf("attempt %d: got %s, want %s", i+1, got, expected)
		}
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	t.Parallel()

	policy := BackoffPolicy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 8, Jitter: 0.25}

	min := 45 * time.Second
	max := 75 * time.Second
	for i := 0; i < 200; i++ {
		got := policy.NextDelay(1)
		if got < min || got > max {
			t.Fatalf("jittered delay %s outside [%s, %s]", got, min, max)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	t.Parallel()

	policy := DefaultBackoff()
	if policy.Exhausted(7) {
		t.Fatalf("budget should not be exhausted at 7 attempts")
	}
	if !policy.Exhausted(8) {
		t.Fatalf("budget should be exhausted at 8 attempts")
	}
}

func TestBackoffClampsAttemptBelowOne(t *testing.T) {
	t.Parallel()

	policy := BackoffPolicy{Base: 30 * time.Second, Cap: time.Hour, MaxAttempts: 8}
	if got := policy.NextDelay(0); got != 30*time.Second {
		t.Fatalf("got %s, want base delay", got)
	}
}
