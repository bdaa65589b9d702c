package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket that caps how many document edits one connection
// may submit, on top of the per-document DocumentLimiter. Joins, leaves and
// chat traffic never draw from it. Tokens refill continuously at capacity per
// interval.
type Bucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

// NewBucket returns a full bucket. Non-positive arguments fall back to one
// token per second.
func NewBucket(capacity int, interval time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &Bucket{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      float64(capacity) / interval.Seconds(),
		lastCheck: time.Now(),
	}
}

// Allow takes one token if available.
func (b *Bucket) Allow() bool {
	return b.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock reading.
func (b *Bucket) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastCheck = now
	}

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}
