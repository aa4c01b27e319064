package durable

import "time"

// RetryBuilder provides a fluent way to construct a RetryPolicy for
// ActivityOptions.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing maxAttempts attempts in total,
// including the first. 0 means unlimited; negative values mean 1.
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 0 {
		maxAttempts = 1
	}
	return RetryBuilder{policy: RetryPolicy{MaximumAttempts: maxAttempts}}
}

// NoRetry is a policy that ends an activity at its first failure.
func NoRetry() *RetryPolicy {
	return Retry(1).Policy()
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the base interval; attempt n waits
//     initial * coefficient^(n-1), so the first retry waits initial * coefficient.
//   - coefficient > 1 grows the delay each attempt (2.0 if < 1).
//   - max caps the delay; if <= 0 it defaults to 100x initial.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, coefficient float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = initial
	p.MaximumInterval = max
	if coefficient < 1 {
		coefficient = 2.0
	}
	p.BackoffCoefficient = coefficient
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaximumInterval = delay
	p.BackoffCoefficient = 1.0
	return RetryBuilder{policy: p}
}

// NonRetryable ends the activity immediately on errors of the given
// ActivityError kinds or Custom types.
func (r RetryBuilder) NonRetryable(kinds ...string) RetryBuilder {
	p := r.policy
	p.NonRetryableErrorKinds = append(append([]string(nil), p.NonRetryableErrorKinds...), kinds...)
	return RetryBuilder{policy: p}
}

// Policy returns the policy, with unset intervals filled in, for
// ActivityOptions.RetryPolicy.
func (r RetryBuilder) Policy() *RetryPolicy {
	p := r.policy.WithDefaults()
	return &p
}
