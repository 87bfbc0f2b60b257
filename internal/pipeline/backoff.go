package pipeline

import (
	"math/rand"
	"time"
)

// Backoff computes the exponential-with-jitter retry delay schedule used by
// the Orchestrator for RetryLater outcomes, generalizing
// gcpclient.withRetry's fixed three-step schedule into an open-ended one
// bounded by a ceiling.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction, e.g. 0.2 for ±20%
}

// DefaultBackoff matches §7's schedule: base 1s, cap 5min, jitter ±20%.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 5 * time.Minute, Jitter: 0.2}
}

// Delay returns the backoff duration for the given attempt (1-indexed: the
// first retry after an initial failure is attempt 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base << uint(attempt-1)
	if d <= 0 || d > b.Cap {
		d = b.Cap
	}

	if b.Jitter <= 0 {
		return d
	}

	spread := float64(d) * b.Jitter
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(d) + offset)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
