package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// DialRateLimiter bounds how often one client may place calls.
type DialRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewDialRateLimiter(limit int, interval time.Duration) *DialRateLimiter {
	return &DialRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *DialRateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[client]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[client] = fresh
		return false
	}
	rl.history[client] = append(fresh, now)
	return true
}

// Middleware rejects requests over the limit with 429.
func (rl *DialRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetString(clientTokenKey)
		if client == "" {
			client = c.ClientIP()
		}
		if !rl.Allow(client) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "too many call attempts", Kind: "rate_limited"})
			return
		}
		c.Next()
	}
}
