package engine

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRetryExhausted marks an abandoned sync cycle. The next periodic tick
// starts over from a fresh attempt counter.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// cyclePolicy is the per-entity sync-cycle retry state machine: an explicit
// attempt counter over a zero-jitter exponential backoff. Counters for
// different entity types never share state.
type cyclePolicy struct {
	attempts int
	max      int
	pol      *backoff.ExponentialBackOff
}

func newCyclePolicy(base, maxDelay time.Duration, maxRetries int) *cyclePolicy {
	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = base
	pol.RandomizationFactor = 0 // cycle retries are deterministic
	pol.Multiplier = 2
	pol.MaxInterval = maxDelay
	pol.Reset()

	return &cyclePolicy{max: maxRetries, pol: pol}
}

// next advances the state machine after a failure. It returns the delay
// before the next attempt, or ok=false when the budget is exhausted, in
// which case the counter has already been reset for the next cycle.
func (c *cyclePolicy) next() (time.Duration, bool) {
	c.attempts++
	if c.attempts > c.max {
		c.reset()
		return 0, false
	}
	return c.pol.NextBackOff(), true
}

// reset is called on success or abandonment.
func (c *cyclePolicy) reset() {
	c.attempts = 0
	c.pol.Reset()
}

// attemptCount reports retries consumed in the current cycle.
func (c *cyclePolicy) attemptCount() int {
	return c.attempts
}
