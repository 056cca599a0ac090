package ratelimit

import (
	"context"
	"fmt"
	"time"

	r "gopkg.in/redis.v5"
)

const redisPrefix = "_FUNNEL_RL_"

// Redis shares counters across replicas with INCR and EXPIRE.
type Redis struct {
	client *r.Client
}

// NewRedis parses a redis:// URL and connects lazily.
func NewRedis(url string) (*Redis, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: r.NewClient(opts)}, nil
}

// Ping checks connectivity.
func (l *Redis) Ping() error {
	return l.client.Ping().Err()
}

// Close releases the connection pool.
func (l *Redis) Close() error {
	return l.client.Close()
}

// Hit implements Limiter. The window starts on the first hit of a key.
func (l *Redis) Hit(_ context.Context, scope, identity string, window time.Duration, limit int) (Result, error) {
	k := redisPrefix + key(scope, identity)
	n, err := l.client.Incr(k).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := l.client.Expire(k, window).Err(); err != nil {
			return Result{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if n <= int64(limit) {
		return Result{OK: true}, nil
	}

	ttl, err := l.client.TTL(k).Result()
	if err != nil || ttl <= 0 {
		// A key without TTL would never reset.
		_ = l.client.Expire(k, window).Err()
		ttl = window
	}
	return Result{OK: false, RetryAfter: retryAfter(ttl)}, nil
}
