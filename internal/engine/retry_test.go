package engine

import (
	"testing"
	"time"
)

func TestCycleBackoffSequence(t *testing.T) {
	// baseDelay=1000ms, maxDelay=30000ms, maxRetries=3 must yield
	// 1000, 2000, 4000 then abandon on the 4th failure.
	c := newCyclePolicy(time.Second, 30*time.Second, 3)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		got, ok := c.next()
		if !ok {
			t.Fatalf("attempt %d: unexpectedly exhausted", i+1)
		}
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}

	if _, ok := c.next(); ok {
		t.Error("4th failure should abandon the cycle")
	}

	// Abandonment resets the counter: the next tick starts fresh.
	got, ok := c.next()
	if !ok || got != time.Second {
		t.Errorf("fresh cycle after abandonment: delay = %v ok = %v, want 1s true", got, ok)
	}
}

func TestCycleBackoffCapsAtMaxDelay(t *testing.T) {
	c := newCyclePolicy(10*time.Second, 15*time.Second, 5)

	delays := []time.Duration{}
	for i := 0; i < 3; i++ {
		d, ok := c.next()
		if !ok {
			t.Fatalf("exhausted early at attempt %d", i+1)
		}
		delays = append(delays, d)
	}

	if delays[0] != 10*time.Second {
		t.Errorf("first delay = %v, want 10s", delays[0])
	}
	for i, d := range delays[1:] {
		if d > 15*time.Second {
			t.Errorf("delay %d = %v exceeds max 15s", i+2, d)
		}
	}
}

func TestCycleBackoffResetOnSuccess(t *testing.T) {
	c := newCyclePolicy(time.Second, 30*time.Second, 3)

	if _, ok := c.next(); !ok {
		t.Fatal("first failure should schedule a retry")
	}
	if _, ok := c.next(); !ok {
		t.Fatal("second failure should schedule a retry")
	}

	c.reset()

	got, ok := c.next()
	if !ok || got != time.Second {
		t.Errorf("after reset: delay = %v ok = %v, want 1s true", got, ok)
	}
	if c.attemptCount() != 1 {
		t.Errorf("after reset: attemptCount = %d, want 1", c.attemptCount())
	}
}
