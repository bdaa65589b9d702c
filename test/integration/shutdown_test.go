package integration

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/collabedit/internal/server"
	"github.com/Tyrowin/collabedit/internal/wire"
	"github.com/Tyrowin/collabedit/test/testhelpers"
)

// TestGracefulShutdownWithClients verifies that every open session on both
// transports is closed when the servers shut down.
func TestGracefulShutdownWithClients(t *testing.T) {
	cfg := testhelpers.TestConfig()
	svc := server.NewServices(cfg, zaptest.NewLogger(t))
	handler := server.NewDocumentHandler(cfg, svc)
	httpServer := server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(handler))
	tcp := server.NewTCPServer(cfg, svc)

	httpLn, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	tcpLn, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	httpDone := make(chan error, 1)
	tcpDone := make(chan error, 1)
	go func() { httpDone <- server.ServeHTTP(httpServer, httpLn, zaptest.NewLogger(t)) }()
	go func() { tcpDone <- tcp.Serve(tcpLn) }()

	const numClients = 3
	wsURL := "ws://" + httpLn.Addr().String() + "/ws"
	wsClients := make([]*testhelpers.WSClient, 0, numClients)
	tcpConns := make([]net.Conn, 0, numClients)
	for range numClients {
		conn, err := testhelpers.ConnectWebSocket(wsURL)
		if err != nil {
			t.Fatalf("Failed to connect WebSocket: %v", err)
		}
		defer conn.Close()
		wsClients = append(wsClients, &testhelpers.WSClient{Conn: conn})

		tc, err := net.Dial("tcp", tcpLn.Addr().String())
		if err != nil {
			t.Fatalf("Failed to connect TCP: %v", err)
		}
		defer tc.Close()
		if err := wire.Write(tc, wire.Join{Envelope: wire.Envelope{DocumentID: "doc", UserID: "u"}}); err != nil {
			t.Fatalf("Failed to join: %v", err)
		}
		tcpConns = append(tcpConns, tc)
	}

	testhelpers.Eventually(t, func() bool {
		return tcp.Hub().Count("doc") == numClients
	}, "all TCP clients joined")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.ShutdownServer(ctx, httpServer, handler); err != nil {
		t.Errorf("HTTP shutdown failed: %v", err)
	}
	if err := tcp.Shutdown(ctx); err != nil {
		t.Errorf("TCP shutdown failed: %v", err)
	}

	if err := <-httpDone; err != nil {
		t.Errorf("ServeHTTP returned %v", err)
	}
	if err := <-tcpDone; !errors.Is(err, server.ErrServerClosed) {
		t.Errorf("Serve returned %v", err)
	}

	for i, c := range wsClients {
		if _, err := c.TryReceive(2 * time.Second); err == nil {
			t.Errorf("WebSocket client %d still open", i)
		}
	}
	for i, c := range tcpConns {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		// Skip JOIN frames from peers; the stream must end.
		dec := wire.NewDecoder(c, 0)
		for {
			_, err := dec.ReadMessage()
			if err == nil {
				continue
			}
			if !wire.IsDisconnect(err) {
				t.Errorf("TCP client %d: expected disconnect, got %v", i, err)
			}
			break
		}
	}
}

func TestNewConnectionsRefusedAfterShutdown(t *testing.T) {
	stack := testhelpers.StartStack(t, testhelpers.TestConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stack.Handler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if conn, err := testhelpers.ConnectWebSocket(stack.WSURL); err == nil {
		_ = conn.Close()
		t.Error("Expected the upgrade to be refused after shutdown")
	}
}
