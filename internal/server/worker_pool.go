package server

import (
	"context"
	"net"
	"sync"
)

// workerPool serves accepted connections on a fixed number of goroutines.
// Connections beyond the pool size wait in an unbounded FIFO backlog until a
// worker frees up.
type workerPool struct {
	handle func(net.Conn)

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []net.Conn
	stopped bool
	wg      sync.WaitGroup
}

func newWorkerPool(size int, handle func(net.Conn)) *workerPool {
	if size <= 0 {
		size = 1
	}
	p := &workerPool{handle: handle}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for range size {
		go p.work()
	}
	return p
}

// submit queues conn. It reports false, leaving conn untouched, once the pool
// has been stopped.
func (p *workerPool) submit(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	p.backlog = append(p.backlog, conn)
	p.cond.Signal()
	return true
}

// pending returns the number of connections waiting for a worker.
func (p *workerPool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

func (p *workerPool) next() (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.backlog) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil, false
	}

	conn := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	return conn, true
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for {
		conn, ok := p.next()
		if !ok {
			return
		}
		p.handle(conn)
	}
}

// stop wakes idle workers so they exit and returns the connections that never
// reached a worker. Workers busy with a connection finish it first.
func (p *workerPool) stop() []net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	abandoned := p.backlog
	p.backlog = nil
	p.cond.Broadcast()
	return abandoned
}

// wait blocks until every worker has returned or ctx is done.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
