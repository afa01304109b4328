package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Burst() int
}

// KeyedLimiter keeps one token bucket per key, so each client gets its own
// rps/burst allowance. Buckets idle for longer than idleTTL are dropped.
type KeyedLimiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration

	mu       sync.Mutex
	limiters map[string]*keyedEntry
	now      func() time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(rps, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		limiters: make(map[string]*keyedEntry),
		now:      time.Now,
	}
}

func (l *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		l.evictIdle(now)
		entry = &keyedEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1), nil
}

func (l *KeyedLimiter) Burst() int {
	return l.burst
}

func (l *KeyedLimiter) evictIdle(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
}

// RedisRateLimiter allows at most limit requests per key in a sliding window,
// shared across replicas through a Redis sorted set.
type RedisRateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		redis:  client,
		limit:  limit,
		window: window,
		prefix: "ratelimit:",
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	key = r.prefix + key
	now := time.Now()
	windowStart := now.Add(-r.window).UnixNano()

	pipe := r.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	if countCmd.Val() >= int64(r.limit) {
		return false, nil
	}

	pipe = r.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to add entry: %w", err)
	}

	return true, nil
}

func (r *RedisRateLimiter) Burst() int {
	return r.limit
}

// Middleware rejects requests over the limiter's allowance with 429.
// Limiter failures let the request through.
func Middleware(limiter RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		if key == "" {
			key = c.ClientIP()
		}

		allowed, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			_ = c.Error(err)
			c.Next()
			return
		}

		if !allowed {
			c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Burst()))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message": "Too many requests, please try again later",
				"error":   "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

func IPKeyFunc(c *gin.Context) string {
	return c.ClientIP()
}
