package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDocumentLimiterInterval(t *testing.T) {
	limiter := NewDocumentLimiter(50 * time.Millisecond)
	start := time.Unix(1000, 0)

	assert.True(t, limiter.Allow("doc", start), "first update must pass")
	assert.False(t, limiter.Allow("doc", start.Add(10*time.Millisecond)), "second update inside the interval must be dropped")
	assert.False(t, limiter.Allow("doc", start.Add(49*time.Millisecond)))
	assert.True(t, limiter.Allow("doc", start.Add(60*time.Millisecond)), "update after the interval must pass")
	assert.False(t, limiter.Allow("doc", start.Add(100*time.Millisecond)), "interval restarts from the last allowed update")
	assert.True(t, limiter.Allow("doc", start.Add(110*time.Millisecond)))
}

func TestDocumentLimiterIsPerDocument(t *testing.T) {
	limiter := NewDocumentLimiter(time.Second)
	now := time.Unix(1000, 0)

	assert.True(t, limiter.Allow("a", now))
	assert.True(t, limiter.Allow("b", now))
	assert.False(t, limiter.Allow("a", now))
	assert.True(t, limiter.Allow("c", now.Add(time.Millisecond)))
}

func TestDocumentLimiterDisabled(t *testing.T) {
	limiter := NewDocumentLimiter(0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("doc", now))
	}
}

func TestDocumentLimiterConcurrentSameInstant(t *testing.T) {
	limiter := NewDocumentLimiter(time.Second)
	now := time.Unix(5000, 0)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("doc", now) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestBucketBurstAndRefill(t *testing.T) {
	bucket := NewBucket(3, time.Second)
	now := bucket.lastCheck

	for i := 0; i < 3; i++ {
		assert.True(t, bucket.AllowAt(now), fmt.Sprintf("token %d", i))
	}
	assert.False(t, bucket.AllowAt(now))

	assert.True(t, bucket.AllowAt(now.Add(400*time.Millisecond)))
	assert.False(t, bucket.AllowAt(now.Add(400*time.Millisecond)))
	assert.True(t, bucket.AllowAt(now.Add(5*time.Second)))
}

func TestBucketDefaults(t *testing.T) {
	bucket := NewBucket(0, 0)
	now := bucket.lastCheck
	assert.True(t, bucket.AllowAt(now))
	assert.False(t, bucket.AllowAt(now))
}

func TestDocumentLimiterTracksOnlyCheckedDocuments(t *testing.T) {
	l := NewDocumentLimiter(DefaultEditInterval)
	assert.Equal(t, 0, l.Len())

	now := time.Unix(0, 0)
	l.Allow("a", now)
	l.Allow("a", now.Add(time.Second))
	l.Allow("b", now)
	assert.Equal(t, 2, l.Len())
}
