// ABOUTME: Per-key token-bucket rate limiter for account-scoped send operations.
// ABOUTME: Buckets are created lazily at full capacity and live for the process lifetime.

package ratelimit

import (
	"sync"
	"time"
)

// bucket holds the refillable token count for a single key.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// Limiter bounds the rate of operations per key using independent token
// buckets. Each bucket starts full and refills proportionally to elapsed
// time: capacity tokens per window.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
	now      func() time.Time
}

// New creates a Limiter allowing capacity operations per window for each key.
func New(capacity int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

// TryConsume takes one token from the key's bucket. It returns false when the
// bucket is empty. A key seen for the first time gets a full bucket.
func (l *Limiter) TryConsume(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	l.refillLocked(b)

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Remaining reports the key's current token count after applying any pending
// refill. It never mutates the stored bucket state.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.capacity
	}

	tokens := b.tokens + l.pendingRefillLocked(b)
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return tokens
}

// bucketLocked returns the bucket for key, creating it full on first use.
// Must be called with mu held.
func (l *Limiter) bucketLocked(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// refillLocked credits the bucket with tokens earned since the last refill.
// The refill timestamp only advances when at least one whole token accrued,
// so fractional progress is never lost to repeated zero-refill calls.
func (l *Limiter) refillLocked(b *bucket) {
	refill := l.pendingRefillLocked(b)
	if refill <= 0 {
		return
	}
	b.tokens += refill
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = l.now()
}

// pendingRefillLocked computes the whole tokens accrued since lastRefill.
func (l *Limiter) pendingRefillLocked(b *bucket) int {
	elapsed := l.now().Sub(b.lastRefill)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed.Milliseconds() * int64(l.capacity) / l.window.Milliseconds())
}
