package github

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-github/v41/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRetriesThrottledCall(t *testing.T) {
	d := newDispatcher(0)
	d.sleep = func(time.Duration) {}

	calls := 0
	err := d.do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &github.RateLimitError{
				Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(-time.Second)}},
			}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	d := newDispatcher(0)
	d.sleep = func(time.Duration) {}

	boom := errors.New("boom")
	calls := 0
	err := d.do(context.Background(), func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDispatcherPacesConsecutiveWrites(t *testing.T) {
	d := newDispatcher(100 * time.Millisecond)

	var slept []time.Duration
	d.sleep = func(wait time.Duration) { slept = append(slept, wait) }

	require.NoError(t, d.do(context.Background(), func() error { return nil }))
	require.NoError(t, d.do(context.Background(), func() error { return nil }))

	// The first call never waits; the second waits out the delay
	require.Len(t, slept, 1)
	assert.Greater(t, slept[0], time.Duration(0))
	assert.LessOrEqual(t, slept[0], 100*time.Millisecond)
}

func TestThrottleWait(t *testing.T) {
	t.Run("rate limit error uses reset time", func(t *testing.T) {
		err := &github.RateLimitError{
			Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(30 * time.Second)}},
		}
		wait, throttled := throttleWait(err)
		assert.True(t, throttled)
		assert.Greater(t, wait, 25*time.Second)
	})

	t.Run("past reset time clamps to zero", func(t *testing.T) {
		err := &github.RateLimitError{
			Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(-time.Minute)}},
		}
		wait, throttled := throttleWait(err)
		assert.True(t, throttled)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("abuse error uses retry-after", func(t *testing.T) {
		after := 7 * time.Second
		wait, throttled := throttleWait(&github.AbuseRateLimitError{RetryAfter: &after})
		assert.True(t, throttled)
		assert.Equal(t, after, wait)
	})

	t.Run("abuse error without retry-after falls back", func(t *testing.T) {
		wait, throttled := throttleWait(&github.AbuseRateLimitError{})
		assert.True(t, throttled)
		assert.Equal(t, fallbackThrottleWait, wait)
	})

	t.Run("plain error is not a throttle signal", func(t *testing.T) {
		_, throttled := throttleWait(errors.New("boom"))
		assert.False(t, throttled)
	})
}
