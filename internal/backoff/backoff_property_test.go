package backoff

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestCompute_DelayAlwaysWithinBounds is the property-based counterpart to
// the table tests in backoff_test.go: for any attempt/jitter/rand draw, the delay must
// stay within [minDelay, maxDelay] and the appliedJitter law must hold.
func TestCompute_DelayAlwaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		minMS := rapid.IntRange(1, 5000).Draw(t, "minMS")
		maxMS := rapid.IntRange(minMS, 120000).Draw(t, "maxMS")
		jitter := rapid.Float64Range(0, 1).Draw(t, "jitter")
		attempt := rapid.IntRange(1, 30).Draw(t, "attempt")
		randVal := rapid.Float64Range(0, 0.999999).Draw(t, "randVal")

		c := NewCalculator(
			time.Duration(minMS)*time.Millisecond,
			time.Duration(maxMS)*time.Millisecond,
			jitter,
			fixedRand(randVal),
		)

		r := c.Compute(attempt)

		if r.Delay < c.MinDelay || r.Delay > c.MaxDelay {
			t.Fatalf("delay %v out of bounds [%v, %v]", r.Delay, c.MinDelay, c.MaxDelay)
		}
		if r.Delay-r.BaseDelay != r.AppliedJitter {
			t.Fatalf("appliedJitter law violated: delay=%v base=%v applied=%v", r.Delay, r.BaseDelay, r.AppliedJitter)
		}
	})
}
