package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a client key may make another request
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// RedisRateLimiter is a fixed-window counter shared by every server instance.
// Redis errors fail open so an outage never locks customers out of their payments.
type RedisRateLimiter struct {
	cache  *RedisCache
	limit  int64
	window time.Duration
	prefix string
}

func NewRedisRateLimiter(cache *RedisCache, limit int, window time.Duration) *RedisRateLimiter {
	limit, window = rateBudget(limit, window)
	return &RedisRateLimiter{cache: cache, limit: int64(limit), window: window, prefix: "ratelimit:"}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	bucket := time.Now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, bucket)

	n, err := l.cache.Increment(ctx, k)
	if err != nil {
		slog.Warn("Rate limiter unavailable, allowing request", "key", key, "error", err)
		return true
	}
	if n == 1 {
		if err := l.cache.Expire(ctx, k, l.window); err != nil {
			slog.Warn("Failed to set rate limit window", "key", key, "error", err)
		}
	}
	return n <= l.limit
}

// rateBudget applies the same floor to both limiters: at least one request per
// window, and a one minute window when none is set
func rateBudget(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return limit, window
}

// MemoryRateLimiter is a per-process token bucket used when Redis is not configured
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// Bounds memory when many distinct keys are seen
const maxMemoryLimiterKeys = 10000

func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	limit, window = rateBudget(limit, window)
	return &MemoryRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxMemoryLimiterKeys {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
