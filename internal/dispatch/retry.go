package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	// Retries after the first attempt.
	Retries  int
	Base     time.Duration
	MaxDelay time.Duration
	// Jitter is a fraction in [0,1) applied symmetrically to each delay.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, Base: 500 * time.Millisecond, MaxDelay: 15 * time.Second, Jitter: 0.2}
}

// Do runs fn until it succeeds, returns a NoRetry error, or the policy is
// exhausted. The returned error has any NoRetry marker removed.
func Do(ctx context.Context, p RetryPolicy, sl Sleeper, rng *rand.Rand, fn func(ctx context.Context) error) (attempts int, err error) {
	retries := max(p.Retries, 0)
	maxAttempts := 1 + retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempts, nr.err
		}
		if attempt >= maxAttempts {
			break
		}
		if cerr := sl.Sleep(ctx, backoffDelayWithHint(p, attempt, err, rng)); cerr != nil {
			return attempts, cerr
		}
	}
	return attempts, err
}

func backoffDelayWithHint(p RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		maxD := p.MaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		return min(jitter(max(ra.RetryAfter(), 0), p.Jitter, rng), maxD)
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p RetryPolicy, retry int, rng *rand.Rand) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return min(jitter(d, p.Jitter, rng), maxD)
}

func jitter(d time.Duration, j float64, rng *rand.Rand) time.Duration {
	if j <= 0 || d <= 0 || rng == nil {
		return d
	}
	r := (rng.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
