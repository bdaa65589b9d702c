package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates the HTTP server. Write and read timeouts cover plain
// HTTP requests only; upgraded WebSocket connections manage their own
// deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves on server.Addr and blocks until the server stops. A
// graceful shutdown is not reported as an error.
func StartServer(server *http.Server, log *zap.Logger) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return err
	}
	return ServeHTTP(server, ln, log)
}

// ServeHTTP is StartServer on an existing listener.
func ServeHTTP(server *http.Server, ln net.Listener, log *zap.Logger) error {
	log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting HTTP requests, closes every WebSocket
// session of h and waits for both to drain.
func ShutdownServer(ctx context.Context, server *http.Server, h *DocumentHandler) error {
	// Hijacked connections are not tracked by http.Server, so the handler's
	// sessions are closed separately.
	return errors.Join(server.Shutdown(ctx), h.Shutdown(ctx))
}
