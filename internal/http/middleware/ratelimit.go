// Package middleware contains the Gin middleware of the intake API.
//
// This file implements the edge limiter: a per-IP token bucket in front of
// every route. It only protects the process from floods; per-client policy
// (hourly, daily, duplicate and burst windows) is the admission gate's job
// and is never enforced here.
//
// Buckets are process-local. Idle buckets are evicted by a janitor goroutine
// started with Start.
package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter is a per-IP token-bucket limiter. It is safe for concurrent use.
type EdgeLimiter struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewEdgeLimiter returns a limiter refilling rps tokens per second with
// buckets of burst tokens. A zero rps disables limiting; burst is coerced
// to at least 1.
func NewEdgeLimiter(rps float64, burst int) *EdgeLimiter {
	if burst < 1 {
		burst = 1
	}
	return &EdgeLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *EdgeLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.now()
	return v.limiter
}

// Evict drops buckets idle for at least the TTL and returns how many went.
func (l *EdgeLimiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.ttl {
			delete(l.visitors, k)
			n++
		}
	}
	return n
}

// Start evicts idle buckets every TTL until ctx is done.
func (l *EdgeLimiter) Start(ctx context.Context) {
	t := time.NewTicker(l.ttl)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Evict()
			}
		}
	}()
}

// Handler rejects requests over the client IP's budget with 429 and a
// Retry-After header in whole seconds.
func (l *EdgeLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.rps == 0 {
			c.Next()
			return
		}
		r := l.bucket(c.ClientIP()).Reserve()
		delay := r.Delay()
		if delay == 0 {
			c.Next()
			return
		}
		r.Cancel()
		httpThrottled.Inc()

		secs := int(math.Ceil(delay.Seconds()))
		if secs < 1 || delay == rate.InfDuration {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
