// Package ratelimit implements per-key token bucket rate limiting, in
// process or shared through Redis.
// The in-process limiter is thread-safe and has no background goroutines.
// Tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

func (c Config) rate() float64 { return float64(c.RequestsPerMinute) / 60.0 }

func (c Config) burst() int {
	burst := c.BurstSize
	if burst <= 0 {
		burst = c.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return burst
}

// RateLimiter admits or rejects one request for key. Errors other than
// ErrRateLimited mean the limiter itself failed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// Limiter is an in-process per-key token bucket.
// Each key gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		keys:  make(map[string]*bucket),
		rate:  cfg.rate(),
		burst: float64(cfg.burst()),
		now:   time.Now,
	}
}

// Allow consumes one token for key, or returns ErrRateLimited if the bucket
// is empty.
func (l *Limiter) Allow(_ context.Context, key string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.keys[key]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.keys[key] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Forget drops buckets that have been full for at least idle, bounding memory
// for keys that stopped calling.
func (l *Limiter) Forget(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for k, b := range l.keys {
		if now.Sub(b.lastFill) >= idle {
			delete(l.keys, k)
			n++
		}
	}
	return n
}
