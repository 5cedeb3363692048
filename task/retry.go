package task

import "time"

// RetryPolicy controls how a task is retried after a retryable failure.
//
// MaxAttempts is the total number of attempts allowed, including the
// first. A task that fails retryably on its MaxAttempts-th attempt
// transitions to Failed rather than being requeued.
//
// BackoffBase and BackoffCap bound the exponential backoff delay
// computed as min(BackoffCap, BackoffBase*2^(attempt-1)), optionally
// randomized by Jitter.
type RetryPolicy struct {
	MaxAttempts uint32
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      bool
}

// DefaultRetryPolicy returns the policy applied to a task that did not
// specify one explicitly: a single attempt, no retry.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		BackoffBase: 0,
		BackoffCap:  0,
		Jitter:      false,
	}
}
