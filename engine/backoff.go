package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/leifmarkthaler/gleitzeit/task"
)

// nextBackoff computes the retry delay for attempt (1-based) under
// policy: min(cap, base*2^(attempt-1)), randomized by up to ±50% when
// Jitter is set. ok is false once attempt has exhausted
// policy.MaxAttempts.
func nextBackoff(policy task.RetryPolicy, attempt uint32) (time.Duration, bool) {
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		return 0, false
	}
	exp := float64(policy.BackoffBase) * math.Pow(2, float64(attempt-1))
	if policy.BackoffCap > 0 && exp > float64(policy.BackoffCap) {
		exp = float64(policy.BackoffCap)
	}
	if policy.Jitter {
		delta := 0.5 * exp
		exp = (exp - delta) + rand.Float64()*(2*delta)
	}
	return time.Duration(exp), true
}
