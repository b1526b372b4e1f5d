package worker

import (
	"math"
	"math/rand"
	"time"
)

// Backoff bounds the delay the receive loop sleeps after consecutive
// transport failures. The loop never gives up: transient broker outages
// are expected and the worker outlives them.
type Backoff struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay growth.
	Max time.Duration
	// Multiplier scales the delay after each consecutive failure. 2.0
	// gives exponential growth.
	Multiplier float64
	// Jitter adds randomness to spread reconnecting workers out; 0.1
	// means up to ±10%.
	Jitter float64
}

// DefaultBackoff returns the receive loop's default: 1s growing to a 5s
// cap with 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// delay computes the sleep before retry number attempt (1-based).
func (b Backoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}
