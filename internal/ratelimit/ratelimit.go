// Package ratelimit provides a sliding-window admission counter over the
// shared coordination cache. Keys are arbitrary strings, so the same limiter
// serves per-tenant, per-identity, and per-source checks.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Check describes one limit to enforce in a composite admission decision.
type Check struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Limiter counts attempts in a sliding time window per key.
type Limiter struct {
	client *redis.Client
	log    *logger.Logger
}

// New creates a Limiter backed by the given cache client.
func New(client *redis.Client, log *logger.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Allow records an attempt under key and reports whether it stays within
// limit for the window. Expiry of old entries, recording, and counting run
// in one transactional pipeline so concurrent callers cannot race past the
// limit. Fails open on cache errors.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Result {
	now := time.Now()
	member := uuid.NewString()
	windowStart := now.Add(-window).UnixNano()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.CacheDegraded("ratelimit", "allow", err)
		return Result{Allowed: true}
	}

	if countCmd.Val() <= int64(limit) {
		return Result{Allowed: true}
	}

	// Over the limit: withdraw the attempt we just recorded so denied calls
	// do not extend the throttle, then derive when a slot frees up.
	l.client.ZRem(ctx, key, member)
	retryAfter := l.retryAfter(ctx, key, window, now)
	l.log.RateLimitExceeded(key, int(retryAfter.Seconds()))
	return Result{Allowed: false, RetryAfter: retryAfter}
}

// AllowAll runs the checks in order and short-circuits on the first denial.
// Returns the denying check's key alongside the result.
func (l *Limiter) AllowAll(ctx context.Context, checks ...Check) (Result, string) {
	for _, c := range checks {
		if res := l.Allow(ctx, c.Key, c.Limit, c.Window); !res.Allowed {
			return res, c.Key
		}
	}
	return Result{Allowed: true}, ""
}

// retryAfter computes how long until the oldest entry in the window expires.
func (l *Limiter) retryAfter(ctx context.Context, key string, window time.Duration, now time.Time) time.Duration {
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return time.Second
	}

	oldestAt := time.Unix(0, int64(oldest[0].Score))
	retryAfter := window - now.Sub(oldestAt)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return retryAfter
}
