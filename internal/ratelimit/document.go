// Package ratelimit provides the throttles that protect the document store and
// the broadcast path from update storms.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEditInterval is the minimum spacing between two applied edits of the
// same document.
const DefaultEditInterval = 50 * time.Millisecond

// DocumentLimiter gates updates per document id. An update that arrives
// sooner than the interval after the last allowed one is rejected, whoever
// sent it; rejected updates are dropped, not queued.
//
// It is safe for concurrent use and never takes a lock shared between
// documents.
type DocumentLimiter struct {
	interval time.Duration
	last     sync.Map // string -> *atomic.Int64 holding UnixNano of the last allowed update
}

// NewDocumentLimiter returns a limiter with the given minimum interval. A
// non-positive interval allows everything.
func NewDocumentLimiter(interval time.Duration) *DocumentLimiter {
	return &DocumentLimiter{interval: interval}
}

// Interval returns the configured minimum interval.
func (l *DocumentLimiter) Interval() time.Duration {
	return l.interval
}

// Len returns the number of documents the limiter holds a timestamp for.
func (l *DocumentLimiter) Len() int {
	n := 0
	l.last.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Allow reports whether an update to documentID at now may proceed, and if so
// records now as the last allowed update.
func (l *DocumentLimiter) Allow(documentID string, now time.Time) bool {
	if l.interval <= 0 {
		return true
	}

	v, ok := l.last.Load(documentID)
	if !ok {
		v, _ = l.last.LoadOrStore(documentID, new(atomic.Int64))
	}
	stamp := v.(*atomic.Int64)

	at := now.UnixNano()
	for {
		prev := stamp.Load()
		if prev != 0 && at-prev < int64(l.interval) {
			return false
		}
		if stamp.CompareAndSwap(prev, at) {
			return true
		}
	}
}
