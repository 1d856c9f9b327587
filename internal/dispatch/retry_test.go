package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, 1*time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   10.0,
		MaxDelay:     30 * time.Second,
	}
	assert.Equal(t, policy.MaxDelay, policy.NextDelay(5))
}

func TestRetryJitterWithinBounds(t *testing.T) {
	policy := &RetryPolicy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Jitter: 0.1}
	for range 50 {
		d := policy.jittered(2)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestRetryFailsTwiceThenSucceeds(t *testing.T) {
	clock := newFakeClock()
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}
	calls := 0

	got, err := Retry(context.Background(), policy, clock, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("temporary failure")
		}
		return "grid-ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "grid-ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestRetryAlwaysFailsSurfacesLastError(t *testing.T) {
	clock := newFakeClock()
	policy := &RetryPolicy{MaxAttempts: 4, InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0

	_, err := Retry(context.Background(), policy, clock, func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("failure %d", calls)
	})

	require.Error(t, err)
	assert.Equal(t, "failure 4", err.Error())
	assert.Equal(t, 4, calls)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	policy := DefaultRetryPolicy()
	calls := 0
	cause := errors.New("invalid request")

	_, err := Retry(context.Background(), policy, newFakeClock(), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(cause)
	})

	assert.ErrorIs(t, err, cause)
	assert.False(t, IsPermanent(err), "permanent marker should be stripped")
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, DefaultRetryPolicy(), newFakeClock(), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("timeout")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
