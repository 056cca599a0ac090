package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// Memory is a process-local Limiter.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewMemory creates an empty in-process limiter.
func NewMemory() *Memory {
	return &Memory{windows: make(map[string]*window), now: time.Now}
}

// Hit implements Limiter.
func (m *Memory) Hit(_ context.Context, scope, identity string, win time.Duration, limit int) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := key(scope, identity)
	w, ok := m.windows[k]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		m.windows[k] = w
	}
	w.count++
	if w.count > limit {
		return Result{OK: false, RetryAfter: retryAfter(w.resetAt.Sub(now))}, nil
	}
	return Result{OK: true}, nil
}

// StartCleanup removes expired windows every interval until the returned
// function is called.
func (m *Memory) StartCleanup(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanup()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// Len returns the number of tracked windows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
