package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key may pass.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// TokenBucket is a shared bucket store such as cache.RedisClient.
type TokenBucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (bool, error)
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key in memory.
type RateLimiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(rps),
		burst:    rps * 2,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.limiters[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = time.Now()

	return e.limiter
}

func (rl *RateLimiter) Allow(_ context.Context, key string) bool {
	return rl.getLimiter(key).Allow()
}

// Cleanup drops limiters idle for longer than idle until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(idle)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rl.sweep(now, idle)
			}
		}
	}()
}

func (rl *RateLimiter) sweep(now time.Time, idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, e := range rl.limiters {
		if now.Sub(e.lastSeen) > idle {
			delete(rl.limiters, key)
		}
	}
}

// SharedLimiter asks a shared bucket store first and falls back to a local
// limiter when the store errors.
type SharedLimiter struct {
	store    TokenBucket
	rate     float64
	burst    int
	fallback Limiter
	logger   *zap.Logger
}

func NewSharedLimiter(store TokenBucket, rps int, fallback Limiter, logger *zap.Logger) *SharedLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SharedLimiter{
		store:    store,
		rate:     float64(rps),
		burst:    rps * 2,
		fallback: fallback,
		logger:   logger,
	}
}

func (sl *SharedLimiter) Allow(ctx context.Context, key string) bool {
	ok, err := sl.store.Allow(ctx, key, sl.rate, sl.burst)
	if err != nil {
		sl.logger.Warn("shared rate limit unavailable, using local limiter", zap.Error(err))
		return sl.fallback.Allow(ctx, key)
	}
	return ok
}

// RateLimitMiddleware limits requests per key. An empty key is not limited.
func RateLimitMiddleware(l Limiter, key func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			c.Next()
			return
		}

		if !l.Allow(c.Request.Context(), k) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}
