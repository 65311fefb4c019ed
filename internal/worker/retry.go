package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the backoff schedule shared by outbound tasks and webhook
// replays. Jitter spreads replays of events that failed together so they do
// not hit the processor in the same tick.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is the fraction, in [0,1], of each delay that is randomized.
	Jitter float64
}

var jitterSource = rand.Float64

// Exhausted reports whether attempt used up the retry budget. A zero
// MaxRetries allows exactly one attempt.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= r.MaxRetries
}

// NextDelay returns the delay before attempt+1 (attempt is 1-based). The
// jittered delay stays within [d*(1-Jitter), d] so MaxDelay is never exceeded.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := r.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := r.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if j := math.Min(r.Jitter, 1); j > 0 {
		delay -= delay * j * jitterSource()
	}

	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}
