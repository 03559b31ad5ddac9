package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

const minDelay = 100 * time.Millisecond

// Policy configures bounded exponential backoff. Zero values fall back to the defaults.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	Retryable  func(error) bool
	OnRetry    func(attempt int, delay time.Duration, err error)

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
		Retryable:  domain.Retryable,
	}
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = defaults.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = defaults.Jitter
	}
	if p.Retryable == nil {
		p.Retryable = defaults.Retryable
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// Delay returns the backoff before retry number attempt (zero based), jitter included.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		raw += raw * p.Jitter * (rand.Float64()*2 - 1)
	}
	delay := time.Duration(raw)
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// Do runs op until it succeeds, fails with a non-retryable error, or the retry
// budget is spent. The last error is returned unchanged; callers convert it with
// domain.Permanent so outer layers never see the transient marker.
func Do[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error)) (T, error) {
	policy = policy.normalized()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !policy.Retryable(err) || attempt == policy.MaxRetries {
			break
		}

		delay := policy.Delay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, delay, err)
		}
		if sleepErr := policy.sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
