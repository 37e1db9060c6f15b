package outbox

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes retry delays: exponential doubling from Base,
// capped at Cap, with up to Jitter fraction of random spread so synchronized
// failures do not retry in lockstep.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	// Jitter is the maximum fraction of the delay added or removed, in [0, 1).
	Jitter float64
}

// DefaultBackoff matches the production retry schedule: 30s, 1m, 2m, ...
// capped at one hour, eight attempts total.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        30 * time.Second,
		Cap:         time.Hour,
		MaxAttempts: 8,
		Jitter:      0.25,
	}
}

// Exhausted reports whether the attempt count has used up the budget.
// attempts counts completed attempts.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// NextDelay returns the wait before the given attempt number (1-based).
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
