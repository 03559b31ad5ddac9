package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL  = 3 * time.Minute
	visitorSweep    = time.Minute
	uploadTokenCost = 5
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

func (l *visitorLimiter) allow(ip string, cost int) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.AllowN(time.Now(), cost)
}

func (l *visitorLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(visitorSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		for ip, item := range l.visitors {
			if time.Since(item.lastSeen) > visitorIdleTTL {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimit applies a token bucket per client IP to the job API. A PDF upload
// costs several tokens since it starts a whole pipeline run. Idle visitors are
// evicted until ctx ends.
func RateLimit(ctx context.Context, rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	limiter := &visitorLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go limiter.sweep(ctx)

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		cost := 1
		if c.Request.Method == http.MethodPost && c.Request.URL.Path == "/api/jobs" {
			cost = min(uploadTokenCost, burst)
		}
		if !limiter.allow(c.ClientIP(), cost) {
			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}
