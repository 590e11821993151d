// Package retry wraps outbound calls with exponential backoff and jitter.
// Every network call the engine makes to the SMS gateway goes through Do,
// and every caller logs the returned attempt count and duration.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	sgretry "github.com/sethvargo/go-retry"
)

// Profile bounds a retry loop. Delays grow as initialDelay * 2^attempt,
// capped at MaxDelay, with +/- JitterPercent applied to each sleep.
type Profile struct {
	MaxRetries    uint64
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// AlertProfile is the routine profile for overdue and test dispatches.
var AlertProfile = Profile{
	MaxRetries:    3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	JitterPercent: 10,
}

// SOSProfile trades longer waits for responsiveness: an SOS response is
// returned synchronously to the caller, so delays stay short.
var SOSProfile = Profile{
	MaxRetries:    3,
	InitialDelay:  250 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	JitterPercent: 10,
}

// Result reports the outcome of a retried call.
type Result struct {
	Success  bool
	Err      error
	Attempts int
	Duration time.Duration
}

// Retries returns the number of attempts beyond the first.
func (r Result) Retries() int {
	if r.Attempts > 1 {
		return r.Attempts - 1
	}
	return 0
}

// HTTPStatusError is implemented by errors carrying an upstream HTTP status,
// letting the predicate distinguish 5xx/429 from permanent 4xx failures.
type HTTPStatusError interface {
	HTTPStatus() int
}

// Retryable reports whether err is transient: upstream 5xx or 429, a
// network-level failure, or a timeout. Other 4xx responses are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var se HTTPStatusError
	if errors.As(err, &se) {
		status := se.HTTPStatus()
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// Do invokes fn, retrying transient failures per the profile. It returns
// once fn succeeds, fn fails permanently, the retry budget is exhausted,
// or ctx is cancelled.
func Do(ctx context.Context, p Profile, fn func(context.Context) error) Result {
	start := time.Now()
	attempts := 0

	backoff := sgretry.NewExponential(p.InitialDelay)
	if p.MaxDelay > 0 {
		backoff = sgretry.WithCappedDuration(p.MaxDelay, backoff)
	}
	if p.JitterPercent > 0 {
		backoff = sgretry.WithJitterPercent(p.JitterPercent, backoff)
	}
	backoff = sgretry.WithMaxRetries(p.MaxRetries, backoff)

	err := sgretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := fn(ctx); err != nil {
			if Retryable(err) {
				return sgretry.RetryableError(err)
			}
			return err
		}
		return nil
	})

	return Result{
		Success:  err == nil,
		Err:      err,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}
