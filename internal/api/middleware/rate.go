package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines the per-client token bucket policy.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// IdleEvict bounds the visitor map: limiters idle this long are dropped
	// on the next sweep. Zero means the supervisor default.
	IdleEvict time.Duration
}

// DefaultRateLimitConfig matches the supervisor's gateway defaults: input
// forwarding is chatty but low-volume per user.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		IdleEvict:         10 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit creates a per-IP rate limiting middleware. Each client IP gets
// its own token bucket; buckets idle past IdleEvict are reclaimed so the map
// does not grow with every address ever seen.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.IdleEvict <= 0 {
		cfg.IdleEvict = DefaultRateLimitConfig().IdleEvict
	}

	var (
		mu        sync.Mutex
		visitors  = make(map[string]*visitor)
		nextSweep = time.Now().Add(cfg.IdleEvict)
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		v := visitors[ip]
		if v == nil {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			visitors[ip] = v
		}
		v.lastSeen = now

		if now.After(nextSweep) {
			for addr, seen := range visitors {
				if now.Sub(seen.lastSeen) > cfg.IdleEvict {
					delete(visitors, addr)
				}
			}
			nextSweep = now.Add(cfg.IdleEvict)
		}
		limiter := v.limiter
		mu.Unlock()

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
