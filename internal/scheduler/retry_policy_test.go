package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	backoff := &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
	require.NoError(t, backoff.Validate())

	assert.Equal(t, time.Second, backoff.NextRetry(0))
	assert.Equal(t, 2*time.Second, backoff.NextRetry(1))
	assert.Equal(t, 8*time.Second, backoff.NextRetry(3))
	assert.Equal(t, 10*time.Second, backoff.NextRetry(4))
	assert.Equal(t, 10*time.Second, backoff.NextRetry(100))

	t.Run("monotonic and positive", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 0; attempt < 50; attempt++ {
			d := backoff.NextRetry(attempt)
			assert.Positive(t, d)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
	})
}

func TestExponentialBackoffValidate(t *testing.T) {
	tests := []struct {
		name    string
		backoff ExponentialBackoff
	}{
		{"zero initial delay", ExponentialBackoff{InitialDelay: 0, MaxDelay: time.Second, Multiplier: 2}},
		{"max below initial", ExponentialBackoff{InitialDelay: time.Minute, MaxDelay: time.Second, Multiplier: 2}},
		{"shrinking multiplier", ExponentialBackoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.backoff.Validate(), ErrInvalidBackoff)

			_, err := NewRetryPolicy(3, &tt.backoff)
			assert.ErrorIs(t, err, ErrInvalidBackoff)
		})
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy, err := NewRetryPolicy(3, &ExponentialBackoff{
		InitialDelay: time.Minute,
		MaxDelay:     time.Hour,
		Multiplier:   2,
	})
	require.NoError(t, err)

	t.Run("all succeeded publishes", func(t *testing.T) {
		d := policy.Decide(0, Outcome{AllSucceeded: true, AnySucceeded: true}, now)
		assert.Equal(t, ActionPublish, d.Action)
	})

	t.Run("failure retries with backoff", func(t *testing.T) {
		d := policy.Decide(0, Outcome{}, now)
		assert.Equal(t, ActionRetry, d.Action)
		assert.Equal(t, now.Add(time.Minute), d.NextAttempt)

		d = policy.Decide(2, Outcome{}, now)
		assert.Equal(t, ActionRetry, d.Action)
		assert.Equal(t, now.Add(4*time.Minute), d.NextAttempt)
	})

	t.Run("exhausted retries fail", func(t *testing.T) {
		d := policy.Decide(3, Outcome{AnySucceeded: true}, now)
		assert.Equal(t, ActionFail, d.Action)
		assert.True(t, d.NextAttempt.IsZero())
	})

	t.Run("partial success retries by default", func(t *testing.T) {
		d := policy.Decide(1, Outcome{AnySucceeded: true}, now)
		assert.Equal(t, ActionRetry, d.Action)
	})

	t.Run("partial success accepted when configured", func(t *testing.T) {
		lenient := *policy
		lenient.AcceptPartialSuccess = true
		d := lenient.Decide(1, Outcome{AnySucceeded: true}, now)
		assert.Equal(t, ActionPublish, d.Action)
	})

	t.Run("negative max retries rejected", func(t *testing.T) {
		_, err := NewRetryPolicy(-1, nil)
		assert.Error(t, err)
	})
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "publish", ActionPublish.String())
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "fail", ActionFail.String())
	assert.Equal(t, "unknown", Action(42).String())
}
