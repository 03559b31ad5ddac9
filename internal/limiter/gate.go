package limiter

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds in-flight calls to one external provider across every job and
// fan-out task in the process.
type Gate struct {
	name    string
	permits *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGate builds a gate allowing maxConcurrent simultaneous calls and, when
// requestsPerMinute is positive, at most that many call starts per minute.
func NewGate(name string, maxConcurrent int, requestsPerMinute int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	gate := &Gate{
		name:    name,
		permits: semaphore.NewWeighted(int64(maxConcurrent)),
	}
	if requestsPerMinute > 0 {
		gate.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), maxConcurrent)
	}
	return gate
}

// Do acquires a permit, runs fn and releases the permit on every exit path.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if err := g.permits.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s gate: %w", g.name, err)
	}
	defer g.permits.Release(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s rate limit: %w", g.name, err)
		}
	}
	return fn(ctx)
}

func (g *Gate) Name() string {
	return g.name
}
