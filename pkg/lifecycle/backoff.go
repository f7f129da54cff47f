package lifecycle

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the jittered exponential delay between status polls:
//
//	delay = min(Cap, Base * Factor^attempt) * (1 ± Jitter)
//
// clamped to Floor so a job is never polled tighter than roughly once per
// second.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
	Floor  time.Duration

	// RandFloat returns a value in [0,1) for jitter; nil uses math/rand.
	// Tests pin it to 0.5 for a jitter-free center.
	RandFloat func() float64
}

// DefaultBackoff returns the polling schedule used in production: 15s
// base, 1.7 growth, 5 minute cap, 25% jitter, 1s floor.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   15 * time.Second,
		Factor: 1.7,
		Cap:    300 * time.Second,
		Jitter: 0.25,
		Floor:  time.Second,
	}
}

// Delay returns the wait before the next poll at the given attempt count.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if capf := float64(b.Cap); raw > capf {
		raw = capf
	}

	randFloat := b.RandFloat
	if randFloat == nil {
		randFloat = rand.Float64
	}
	jittered := raw * (1 + b.Jitter*(2*randFloat()-1))

	d := time.Duration(jittered)
	if d < b.Floor {
		return b.Floor
	}
	return d
}
