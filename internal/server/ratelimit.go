package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	exempt   map[string]struct{}
	now      func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewRateLimiter allows requests per window for each address, refilled evenly.
func NewRateLimiter(requests int, window time.Duration, exempt ...string) *RateLimiter {
	if requests <= 0 {
		requests = 1
	}
	limiter := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		exempt:   make(map[string]struct{}, len(exempt)),
		now:      time.Now,
	}
	for _, address := range exempt {
		limiter.exempt[address] = struct{}{}
	}
	return limiter
}

// Allow reports whether a request from address may proceed.
func (r *RateLimiter) Allow(address string) bool {
	if _, ok := r.exempt[address]; ok {
		return true
	}
	now := r.now()
	r.mu.Lock()
	entry, ok := r.limiters[address]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[address] = entry
	}
	entry.lastAccess = now
	r.pruneLocked(now)
	r.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

// pruneLocked drops buckets idle long enough to have refilled completely.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for address, entry := range r.limiters {
		if now.Sub(entry.lastAccess) > limiterIdleTTL {
			delete(r.limiters, address)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
