package api

import (
	"math"
	"slices"
	"time"
)

// Default retry policy values.
const (
	DefaultMaximumAttempts    = 3
	DefaultInitialInterval    = time.Second
	DefaultMaximumInterval    = 100 * time.Second
	DefaultBackoffCoefficient = 2.0
)

// RetryPolicy governs how a failed activity attempt is retried.
//
// MaximumAttempts includes the first attempt: 1 means no retries and 0
// means unlimited, bounded only by ScheduleToCloseTimeout.
type RetryPolicy struct {
	MaximumAttempts    int           `json:"maximum_attempts" validate:"gte=0"`
	InitialInterval    time.Duration `json:"initial_interval" validate:"gte=0"`
	MaximumInterval    time.Duration `json:"maximum_interval" validate:"gte=0"`
	BackoffCoefficient float64       `json:"backoff_coefficient" validate:"gte=1"`

	// NonRetryableErrorKinds lists ActivityError kinds or Custom types that
	// end the activity immediately.
	NonRetryableErrorKinds []string `json:"non_retryable_error_kinds,omitempty"`
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling, capped
// at 100s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaximumAttempts:    DefaultMaximumAttempts,
		InitialInterval:    DefaultInitialInterval,
		MaximumInterval:    DefaultMaximumInterval,
		BackoffCoefficient: DefaultBackoffCoefficient,
	}
}

// WithDefaults fills unset intervals and coefficient. MaximumInterval
// defaults to 100x InitialInterval.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.BackoffCoefficient == 0 {
		p.BackoffCoefficient = DefaultBackoffCoefficient
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = 100 * p.InitialInterval
	}
	return p
}

// Validate checks the policy after defaults are applied.
func (p RetryPolicy) Validate() error {
	p = p.WithDefaults()
	if err := validate.Struct(p); err != nil {
		return NewWorkflowError(WorkflowErrInvalidInput, "retry policy: "+err.Error(), err)
	}
	if p.InitialInterval > p.MaximumInterval {
		return NewWorkflowError(WorkflowErrInvalidInput, "retry policy: initial interval exceeds maximum interval", nil)
	}
	return nil
}

// Backoff returns the delay scheduled before attempt:
// min(initial * coefficient^(attempt-1), maximum). The first retry is
// attempt 2, so it waits initial * coefficient.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if d >= float64(p.MaximumInterval) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// IsRetryable reports whether err may be retried at all, independent of
// the attempt count.
func (p RetryPolicy) IsRetryable(err *ActivityError) bool {
	if err == nil {
		return false
	}
	switch err.Kind {
	case ActivityErrValidationFailed, ActivityErrCancelled, ActivityErrInvalidInput:
		return false
	}
	if slices.Contains(p.NonRetryableErrorKinds, string(err.Kind)) {
		return false
	}
	if err.Type != "" && slices.Contains(p.NonRetryableErrorKinds, err.Type) {
		return false
	}
	return true
}

// RetryDecision is the outcome of evaluating a failed attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
	// Reason explains a terminal decision: "non_retryable",
	// "attempts_exhausted" or "schedule_to_close".
	Reason string
}

// Decide evaluates a failed attempt. deadline is the schedule-to-close
// deadline, or zero when none applies.
func (p RetryPolicy) Decide(err *ActivityError, attempt int, now, deadline time.Time) RetryDecision {
	if !p.IsRetryable(err) {
		return RetryDecision{Reason: "non_retryable"}
	}
	if p.MaximumAttempts > 0 && attempt >= p.MaximumAttempts {
		return RetryDecision{Reason: "attempts_exhausted"}
	}
	delay := p.Backoff(attempt + 1)
	if !deadline.IsZero() && !now.Add(delay).Before(deadline) {
		return RetryDecision{Reason: "schedule_to_close"}
	}
	return RetryDecision{Retry: true, Delay: delay}
}
