package github

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v41/github"

	"github.com/lab2hub/lab2hub/internal/logging"
)

const (
	// fallbackThrottleWait applies when the API signals throttling without a
	// usable reset hint.
	fallbackThrottleWait = time.Minute

	maxThrottleRetries = 5
)

// dispatcher serializes destination writes: it enforces a minimum pause
// between successive calls and retries calls the API throttled, waiting as
// long as the throttle response suggests. Non-throttle errors are returned
// immediately.
//
// All writes already happen on a single goroutine, so no locking is needed.
type dispatcher struct {
	delay time.Duration
	last  time.Time

	// next holds the wait suggested by the most recent throttle response,
	// consumed by NextBackOff.
	next    time.Duration
	hasNext bool

	sleep func(time.Duration)
}

func newDispatcher(delay time.Duration) *dispatcher {
	return &dispatcher{delay: delay, sleep: time.Sleep}
}

// do runs one write call, pacing it against the previous one and retrying
// throttled calls.
func (d *dispatcher) do(ctx context.Context, call func() error) error {
	d.pace()

	operation := func() error {
		err := call()
		if err == nil {
			return nil
		}
		wait, throttled := throttleWait(err)
		if !throttled {
			return backoff.Permanent(err)
		}
		logging.Warn("destination throttled, backing off", "wait", wait)
		d.next = wait
		d.hasNext = true
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(d, maxThrottleRetries), ctx))
}

// pace sleeps whatever remains of the configured delay since the last call.
func (d *dispatcher) pace() {
	if d.delay > 0 && !d.last.IsZero() {
		if wait := d.delay - time.Since(d.last); wait > 0 {
			d.sleep(wait)
		}
	}
	d.last = time.Now()
}

// NextBackOff implements backoff.BackOff using the server-suggested wait.
func (d *dispatcher) NextBackOff() time.Duration {
	if d.hasNext {
		d.hasNext = false
		return d.next
	}
	return fallbackThrottleWait
}

// Reset implements backoff.BackOff.
func (d *dispatcher) Reset() {
	d.hasNext = false
}

// throttleWait extracts the suggested wait from a rate limit error. The
// second return value reports whether the error is a throttle signal at all.
func throttleWait(err error) (time.Duration, bool) {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if abuseErr.RetryAfter != nil {
			return *abuseErr.RetryAfter, true
		}
		return fallbackThrottleWait, true
	}

	return 0, false
}
