package errors

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a retry schedule: exponential backoff with jitter and an
// attempt limit.
type Policy struct {
	// MaxAttempts counts every attempt, the first included.
	MaxAttempts int

	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration

	// Factor multiplies the delay after each retry. Values <= 0 mean 1.
	Factor float64

	// Jitter spreads each delay by up to +/- this fraction.
	Jitter float64
}

// DeliveryPolicy is used for event requests: 3s doubling per retry,
// capped at 30 minutes, at most 10 retries.
var DeliveryPolicy = Policy{
	MaxAttempts: 11,
	Initial:     3 * time.Second,
	Max:         30 * time.Minute,
	Factor:      2,
	Jitter:      0.25,
}

// FetchPolicy is used for short blocking calls such as /decide/.
var FetchPolicy = Policy{
	MaxAttempts: 3,
	Initial:     500 * time.Millisecond,
	Max:         5 * time.Second,
	Factor:      2,
	Jitter:      0.1,
}

// Delay returns the jittered wait before retry number retry+1.
func (p Policy) Delay(retry int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.Initial) * math.Pow(factor, float64(retry))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Next decides whether a request that has made attempts tries and last
// failed with err gets another one, and how long to wait first. A server
// Retry-After longer than the computed delay wins.
func (p Policy) Next(attempts int, err error) (time.Duration, bool) {
	if attempts >= p.MaxAttempts || !IsRetryable(err) {
		return 0, false
	}
	wait := p.Delay(max(attempts-1, 0))
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > wait {
		wait = he.RetryAfter
	}
	return wait, true
}

// Do calls fn until it succeeds, fails with an error that is not
// retryable, or the policy runs out. The returned error is a
// *DeliveryError carrying the attempt count.
func Do[T any](ctx context.Context, op string, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &DeliveryError{Op: op, Err: err, Class: Drop, Attempts: attempt - 1}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		wait, ok := p.Next(attempt, err)
		if !ok {
			return zero, &DeliveryError{Op: op, Err: err, Class: Classify(err), Attempts: attempt}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &DeliveryError{Op: op, Err: ctx.Err(), Class: Drop, Attempts: attempt}
		case <-timer.C:
		}
	}
}
