// Package ratelimit implements the per-session token-bucket gates for
// control commands and the per-device gate for authentication attempts.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Op identifies a rate-limited operation class.
type Op string

const (
	OpTouch Op = "touch"
	OpText  Op = "text"
	OpMacro Op = "macro"
	OpAI    Op = "ai"
	OpAuth  Op = "auth"
)

type limit struct {
	capacity float64
	refill   float64 // tokens per second
}

// Defaults per active session; auth is keyed by device-id and refills
// at 5 per minute.
var limits = map[Op]limit{
	OpTouch: {capacity: 100, refill: 100},
	OpText:  {capacity: 10, refill: 10},
	OpMacro: {capacity: 1, refill: 1},
	OpAI:    {capacity: 2, refill: 2},
	OpAuth:  {capacity: 5, refill: 5.0 / 60.0},
}

type bucket struct {
	tokens     float64
	capacity   float64
	refill     float64
	lastRefill time.Time
}

// Limiter holds lazily created buckets keyed by (key, op). A single
// mutex guards the table; buckets are small and takes are cheap.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// NewWithClock returns a limiter with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	l.now = now
	return l
}

// Allow refills the bucket for (key, op) and takes one token. It
// returns false when no whole token is available; operations without a
// configured limit are always allowed.
func (l *Limiter) Allow(key string, op Op) bool {
	lim, ok := limits[op]
	if !ok {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := key + ":" + string(op)
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{
			tokens:     lim.capacity,
			capacity:   lim.capacity,
			refill:     lim.refill,
			lastRefill: l.now(),
		}
		l.buckets[id] = b
	}

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refill
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}

	log.Debug().Str("key", id).Float64("tokens", b.tokens).Msg("Rate limit exceeded")
	return false
}

// Reset drops every bucket belonging to key, across all operations.
// Called when a session closes.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := key + ":"
	for id := range l.buckets {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			delete(l.buckets, id)
		}
	}
}
