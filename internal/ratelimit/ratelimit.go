// Package ratelimit bounds how fast one API client can hit the
// orchestrator's mutating endpoints. Session creation launches a sandbox
// process and exec runs arbitrary commands, so a runaway client gets throttled
// before it exhausts the host. Buckets refill lazily inside Allow; there is no
// background goroutine to manage.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client's bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config sizes the per-client buckets.
type Config struct {
	RequestsPerMinute int // Sustained rate. 0 disables limiting.
	BurstSize         int // Bucket capacity. 0 defaults to RequestsPerMinute.
}

// Limiter hands every API client its own token bucket, keyed by the client ID
// the authentication layer resolved from the API key. One client draining its
// bucket never touches another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// refill adds tokens for the time elapsed since the last fill, capped at the
// bucket's capacity.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens += now.Sub(b.lastFill).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastFill = now
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 every Allow call
// succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow consumes one token from the client's bucket, creating a full bucket
// on the client's first request. Returns ErrRateLimited when empty.
func (l *Limiter) Allow(clientID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[clientID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
	}
	b.refill(now, l.rate, l.burst)

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
