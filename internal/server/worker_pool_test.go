package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	var served sync.WaitGroup

	pool := newWorkerPool(2, func(net.Conn) {
		defer served.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
	})

	const total = 5
	served.Add(total)
	for range total {
		require.True(t, pool.submit(pipeConn(t)))
	}

	assert.Eventually(t, func() bool { return pool.pending() == total-2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	served.Wait()
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, 0, pool.pending())

	pool.stop()
	require.NoError(t, pool.wait(context.Background()))
}

func TestWorkerPoolStopReturnsBacklog(t *testing.T) {
	block := make(chan struct{})
	pool := newWorkerPool(1, func(net.Conn) { <-block })

	busy := pipeConn(t)
	queued := pipeConn(t)
	require.True(t, pool.submit(busy))
	assert.Eventually(t, func() bool { return pool.pending() == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, pool.submit(queued))

	abandoned := pool.stop()
	assert.Equal(t, []net.Conn{queued}, abandoned)
	assert.False(t, pool.submit(pipeConn(t)))
	assert.Nil(t, pool.stop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.wait(ctx), context.DeadlineExceeded)

	close(block)
	require.NoError(t, pool.wait(context.Background()))
}
