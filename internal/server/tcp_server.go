package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/collabedit/internal/config"
	"github.com/Tyrowin/collabedit/internal/document"
	"github.com/Tyrowin/collabedit/internal/ratelimit"
	"github.com/Tyrowin/collabedit/internal/session"
)

// ErrServerClosed is returned by TCPServer.Serve after Shutdown.
var ErrServerClosed = errors.New("server: TCP server closed")

// TCPServer accepts native clients speaking the framed binary protocol. One
// acceptor goroutine hands connections to a bounded worker pool.
type TCPServer struct {
	cfg     config.Config
	store   *document.Store
	limiter *ratelimit.DocumentLimiter
	hub     *session.Hub
	log     *zap.Logger
	now     func() time.Time
	pool    *workerPool

	mu       sync.Mutex
	listener net.Listener
	conns    map[*tcpConn]struct{}
	closing  bool
}

// NewTCPServer returns a server sharing svc with the other transports.
func NewTCPServer(cfg config.Config, svc Services) *TCPServer {
	svc = svc.withDefaults()
	log := svc.Log.Named("tcp")

	s := &TCPServer{
		cfg:     cfg,
		store:   svc.Store,
		limiter: svc.Limiter,
		hub:     session.NewHub(log),
		log:     log,
		now:     svc.Now,
		conns:   make(map[*tcpConn]struct{}),
	}
	s.pool = newWorkerPool(cfg.WorkerPoolSize, s.serveConn)
	return s
}

// Hub returns the registry of TCP sessions.
func (s *TCPServer) Hub() *session.Hub { return s.hub }

// Addr returns the listening address, or nil before Serve.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured TCP address and calls Serve.
func (s *TCPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.TCPAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always closes ln and
// returns ErrServerClosed after a shutdown.
func (s *TCPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()
	defer ln.Close()

	s.log.Info("TCP server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.cfg.WorkerPoolSize))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("accept error; retrying", zap.Duration("backoff", backoff), zap.Error(err))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.pool.submit(conn) {
			_ = conn.Close()
			continue
		}
		if n := s.pool.pending(); n > 0 {
			s.log.Debug("connection queued for a worker", zap.Int("pending", n))
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *TCPServer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// serveConn runs on a pool worker for the lifetime of one connection.
func (s *TCPServer) serveConn(conn net.Conn) {
	c := newTCPConn(conn, s)
	if !s.track(c) {
		_ = c.Close()
		return
	}
	defer s.untrack(c)

	c.serve()
}

func (s *TCPServer) track(c *tcpConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *TCPServer) untrack(c *tcpConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops the acceptor, closes every connection (served or still
// queued) and waits for the workers to finish or ctx to expire.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	conns := make([]*tcpConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range s.pool.stop() {
		_ = conn.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	if err := s.pool.wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for TCP workers: %w", err))
	} else {
		s.log.Info("all TCP sessions closed", zap.Int("closed", len(conns)))
	}
	return errors.Join(errs...)
}
