package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "shipyard:ratelimit:"
	redisCallTimeout = 250 * time.Millisecond
)

// redisLimiter keeps fixed-window counters in Redis, so every shipyard
// process pointed at the same server shares one budget per key.
type redisLimiter struct {
	rdb    *redis.Client
	log    *slog.Logger
	prefix string
}

// NewRedisRateLimiter connects to addr and verifies the server answers.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis rate limiter %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisLimiter{rdb: rdb, log: logger.With("component", "ratelimit"), prefix: redisKeyPrefix}, nil
}

// Allow opens the window with SET NX so the expiry is fixed by the first
// request, then counts. Requests are admitted while Redis is unreachable.
func (l *redisLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	counter := l.prefix + key
	var (
		hits *redis.IntCmd
		left *redis.DurationCmd
	)
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, counter, 0, window)
		hits = pipe.Incr(ctx, counter)
		left = pipe.PTTL(ctx, counter)
		return nil
	})
	if err != nil {
		l.log.Warn("rate limit check failed, admitting request", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	remaining := left.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(hits.Val())
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(remaining),
	}
}

func (l *redisLimiter) Close() {
	_ = l.rdb.Close()
}
