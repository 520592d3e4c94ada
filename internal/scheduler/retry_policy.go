package scheduler

import (
	"fmt"
	"time"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given retry attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff returns the backoff used when none is configured
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
	}
}

// Validate ensures the curve is strictly positive and non-decreasing
func (s *ExponentialBackoff) Validate() error {
	if s.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial delay must be positive", ErrInvalidBackoff)
	}
	if s.MaxDelay < s.InitialDelay {
		return fmt.Errorf("%w: max delay below initial delay", ErrInvalidBackoff)
	}
	if s.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidBackoff)
	}
	return nil
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
		if delay >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Action is the transition chosen for a dispatched post
type Action int

const (
	ActionPublish Action = iota
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionPublish:
		return "publish"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the result of applying the retry policy to an outcome
type Decision struct {
	Action      Action
	NextAttempt time.Time
}

// RetryPolicy decides whether a dispatched post is published, retried or failed
type RetryPolicy struct {
	MaxRetries int
	Backoff    RetryStrategy

	// AcceptPartialSuccess settles a post as published once any platform has
	// succeeded. By default every platform must succeed.
	AcceptPartialSuccess bool
}

// NewRetryPolicy creates a retry policy. A nil backoff uses DefaultBackoff.
func NewRetryPolicy(maxRetries int, backoff RetryStrategy) (*RetryPolicy, error) {
	if maxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative: %d", maxRetries)
	}
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	if v, ok := backoff.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return &RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}, nil
}

// Decide applies the policy. retryCount is the number of retries already
// consumed by the post.
func (p *RetryPolicy) Decide(retryCount int, outcome Outcome, now time.Time) Decision {
	if outcome.AllSucceeded || (p.AcceptPartialSuccess && outcome.AnySucceeded) {
		return Decision{Action: ActionPublish}
	}
	if retryCount < p.MaxRetries {
		delay := p.Backoff.NextRetry(retryCount)
		if delay <= 0 {
			delay = time.Second
		}
		return Decision{Action: ActionRetry, NextAttempt: now.Add(delay)}
	}
	return Decision{Action: ActionFail}
}
