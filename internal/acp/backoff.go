package acp

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from BaseDelay to
// MaxDelay with multiplicative jitter so a fleet of sellers that lost the
// same broker doesn't reconnect in lockstep.
type Backoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultBackoff matches the channel's reconnection policy: 1s base, 30s
// cap, ±30% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.3,
	}
}

// Nominal returns the un-jittered delay for attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay.
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Guard the shift: past the cap the multiplier no longer matters.
	if attempt > 62 {
		return b.MaxDelay
	}
	delay := time.Duration(float64(b.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > b.MaxDelay || delay <= 0 {
		delay = b.MaxDelay
	}
	return delay
}

// Delay returns the jittered delay for attempt: Nominal(attempt) scaled by a
// random factor in [1-JitterFactor, 1+JitterFactor].
func (b Backoff) Delay(attempt int) time.Duration {
	nominal := b.Nominal(attempt)
	if b.JitterFactor <= 0 {
		return nominal
	}
	scale := 1 + b.JitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(nominal) * scale)
}

// Sleep waits Delay(attempt) or until ctx is done, returning ctx.Err() in
// the latter case.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
