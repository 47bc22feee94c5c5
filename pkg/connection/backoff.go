package connection

import (
	"math/rand"
	"time"
)

// Backoff computes redial delays: exponential growth from Min to Max with
// ±10% jitter. A connection that stays up for at least StabilityWindow
// resets the failure streak, so a long-lived peer that drops once redials
// quickly.
//
// Backoff is not safe for concurrent use; each peer has its own instance
// owned by the reconciler loop.
type Backoff struct {
	Min             time.Duration
	Max             time.Duration
	StabilityWindow time.Duration

	failures      int
	authFailures  int
	lastConnected time.Time
}

// NewBackoff creates a backoff policy.
func NewBackoff(min, max, stability time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max, StabilityWindow: stability}
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures() int { return b.failures }

// AuthFailures returns how many of the recorded failures were
// authentication rejections. They back off like transport failures but are
// surfaced separately for observability.
func (b *Backoff) AuthFailures() int { return b.authFailures }

// Connected records a successful transition to Connected. The failure
// streak is not reset here; it resets on the next failure only if the
// connection lasted past the stability window.
func (b *Backoff) Connected(at time.Time) {
	b.lastConnected = at
}

// Next records a failure and returns the delay to wait before the next
// dial attempt. Delays are monotonically non-decreasing across consecutive
// failures (up to jitter) until the cap, and reset to Min after a stable
// connection.
func (b *Backoff) Next(auth bool) time.Duration {
	if !b.lastConnected.IsZero() && time.Since(b.lastConnected) >= b.StabilityWindow {
		b.failures = 0
		b.authFailures = 0
	}
	b.lastConnected = time.Time{}

	delay := b.delayFor(b.failures)
	b.failures++
	if auth {
		b.authFailures++
	}
	return delay
}

// delayFor computes Min * 2^n capped at Max, with ±10% jitter.
func (b *Backoff) delayFor(n int) time.Duration {
	delay := b.Min
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}

	// Jitter prevents synchronized redial storms across the cluster.
	jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	delay += jitter

	if delay < 0 {
		delay = b.Min
	}
	return delay
}
