package supervisor

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with optional jitter.
type Backoff struct {
	Initial time.Duration // First delay
	Max     time.Duration // Delay cap
	Base    float64       // Multiplier per attempt
	Jitter  bool          // Randomize each delay in [delay/2, delay]
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 2 * time.Second
	}
	base := b.Base
	if base <= 1 {
		base = 2
	}
	max := b.Max
	if max <= 0 {
		max = 60 * time.Second
	}

	delay := time.Duration(float64(initial) * math.Pow(base, float64(attempt)))
	if delay > max || delay <= 0 {
		delay = max
	}
	if b.Jitter {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}

// Sleep waits for the attempt's delay or until ctx is cancelled, returning
// the context error in the latter case.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
