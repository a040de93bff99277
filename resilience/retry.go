package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the delay schedule for sequential reconnect
// attempts. MaxAttempts of 0 means unlimited attempts.
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // randomization factor 0-1
	MaxAttempts  int
}

// DefaultBackoffPolicy returns the reconnect schedule used when no policy
// is configured: 1s initial, doubling, capped at 30s, slight jitter.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  0,
	}
}

// NextDelay calculates the delay before the given attempt (0-based).
func (p *BackoffPolicy) NextDelay(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return applyJitter(delay, p.Jitter)
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (p *BackoffPolicy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts == 0 || attempt < p.MaxAttempts
}

// Wait sleeps for the attempt's delay, honoring context cancellation.
func (p *BackoffPolicy) Wait(ctx context.Context, attempt int) error {
	select {
	case <-time.After(p.NextDelay(attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyJitter adds randomization to the delay
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}

	jitter := float64(delay) * factor
	minDelay := float64(delay) - jitter
	maxDelay := float64(delay) + jitter

	return time.Duration(minDelay + rand.Float64()*(maxDelay-minDelay))
}
