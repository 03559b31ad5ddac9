package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

func noSleepPolicy(maxRetries int, slept *[]time.Duration) Policy {
	policy := DefaultPolicy()
	policy.MaxRetries = maxRetries
	policy.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return policy
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	var slept []time.Duration
	calls := 0
	result, err := Do(context.Background(), noSleepPolicy(3, &slept), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", domain.Wrap(domain.ErrTransient, domain.StageGenerate, "call", "status 503", nil)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(slept))
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	calls := 0
	permanent := errors.New("bad request")
	_, err := Do(context.Background(), noSleepPolicy(3, &slept), func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("expected one call and no sleeps, got calls=%d sleeps=%d", calls, len(slept))
	}
}

func TestDoReturnsLastErrorAfterBudget(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, err := Do(context.Background(), noSleepPolicy(2, &slept), func(context.Context) (int, error) {
		calls++
		return 0, domain.ErrTransient
	})
	if calls != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", calls)
	}
	if !domain.Retryable(err) {
		t.Fatalf("expected raw transient error from Do, got %v", err)
	}
	if domain.Retryable(domain.Permanent(err)) {
		t.Fatalf("expected converted error to drop transient marker")
	}
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := DefaultPolicy()
	policy.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	_, err := Do(ctx, policy, func(context.Context) (int, error) {
		return 0, domain.ErrTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestDelayBoundsAndJitter(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.25}

	cases := []struct {
		attempt int
		nominal time.Duration
	}{
		{attempt: 0, nominal: time.Second},
		{attempt: 1, nominal: 2 * time.Second},
		{attempt: 3, nominal: 8 * time.Second},
		{attempt: 10, nominal: 30 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 50; i++ {
			delay := policy.Delay(tc.attempt)
			low := time.Duration(float64(tc.nominal) * 0.75)
			high := time.Duration(float64(tc.nominal) * 1.25)
			if delay < low || delay > high {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", tc.attempt, delay, low, high)
			}
		}
	}
}

func TestDelayHasFloor(t *testing.T) {
	policy := Policy{BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.25}
	if delay := policy.Delay(0); delay < minDelay {
		t.Fatalf("expected delay floor %s, got %s", minDelay, delay)
	}
}
