package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry is the token bucket for one rate-limit key.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent golang.org/x/time/rate limiter with the
// configured refill rate (tokens per second) and burst capacity. A background
// goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//   - rps: sustained requests per second per key
//   - burst: maximum burst size (token bucket capacity)
//
// A background goroutine evicts keys not accessed in the last 10 minutes.
// Call Close to stop it.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key. Returns true if a token
// was available (request should proceed), false otherwise (rate limited).
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.buckets[key] = e
	}
	e.lastAccess = now
	return e.limiter.AllowN(now, 1), nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, e := range m.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
