// Package ratelimit implements fixed-window request counters.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Result is the outcome of one hit.
type Result struct {
	OK         bool
	RetryAfter int // seconds until the window resets, set when OK is false
}

// Limiter counts hits per scope and identity inside a fixed window.
type Limiter interface {
	Hit(ctx context.Context, scope, identity string, window time.Duration, limit int) (Result, error)
}

func key(scope, identity string) string {
	return scope + ":" + identity
}

func retryAfter(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
