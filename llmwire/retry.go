package llmwire

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds transport-level retries with exponential backoff.
// MaxRetries counts retry attempts beyond the initial try.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultRetryPolicy returns the default transport retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// backoff returns the wait before retry attempt n (0-indexed), doubling
// from BaseDelay up to MaxDelay, with optional +/-50% jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	wait := p.BaseDelay
	for i := 0; i < attempt; i++ {
		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait >= p.MaxDelay {
			wait = p.MaxDelay
			break
		}
	}
	if p.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	return wait
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget runs out. A RateLimitError carrying a provider
// Retry-After hint waits that long instead of the backoff schedule, and
// gives up immediately when the hint exceeds MaxDelay.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		wait := policy.backoff(attempt)
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			hinted := time.Duration(rl.RetryAfter * float64(time.Second))
			if hinted > policy.MaxDelay {
				return zero, err
			}
			wait = hinted
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, NewNetworkError("", "cancelled during retry backoff", ctx.Err())
		case <-timer.C:
		}
	}
}
