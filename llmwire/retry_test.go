package llmwire

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", NewNetworkError("p", "flaky", nil)
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("result = %q, err = %v", result, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		attempts++
		return "", NewAuthenticationError("p", "bad key", 401)
	})
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (string, error) {
		attempts++
		return "", NewNetworkError("p", "down", nil)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 { // initial try plus two retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryAfterExceedingMaxDelayFailsFast(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		attempts++
		return "", NewRateLimitError("p", "slow down", 120)
	})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}
	if got := p.backoff(0); got != time.Second {
		t.Errorf("backoff(0) = %v", got)
	}
	if got := p.backoff(1); got != 2*time.Second {
		t.Errorf("backoff(1) = %v", got)
	}
	if got := p.backoff(10); got != 4*time.Second {
		t.Errorf("backoff(10) = %v, want cap", got)
	}
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, RetryPolicy{MaxRetries: 2, BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Second, Multiplier: 1},
		func(ctx context.Context) (string, error) {
			return "", NewNetworkError("p", "down", nil)
		})
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause = %v, want context.Canceled", err)
	}
}
