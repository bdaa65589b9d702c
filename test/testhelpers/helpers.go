// Package testhelpers starts a complete broker for tests and offers small
// clients for both transports.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/collabedit/internal/config"
	"github.com/Tyrowin/collabedit/internal/document"
	"github.com/Tyrowin/collabedit/internal/server"
	"github.com/Tyrowin/collabedit/internal/wire"
)

// TestOrigin is accepted by the configuration returned from TestConfig.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every helper that waits for a message.
const ReadTimeout = 2 * time.Second

// TestConfig returns a configuration suitable for tests: loopback addresses,
// no per-document edit throttling and a generous connection rate limit.
func TestConfig() config.Config {
	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.EditInterval = 0
	cfg.RateLimit.Burst = 1000
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

// Stack is a running broker with both transports.
type Stack struct {
	Config   config.Config
	Services server.Services
	Handler  *server.DocumentHandler
	HTTP     *httptest.Server
	TCP      *server.TCPServer
	TCPAddr  string
	WSURL    string
}

// StartStack starts a broker for cfg and stops it when the test ends.
func StartStack(t *testing.T, cfg config.Config) *Stack {
	t.Helper()

	log := zaptest.NewLogger(t)
	svc := server.NewServices(cfg, log)
	handler := server.NewDocumentHandler(cfg, svc)
	httpServer := httptest.NewServer(server.SetupRoutes(handler))

	tcp := server.NewTCPServer(cfg, svc)
	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		httpServer.Close()
		t.Fatalf("Failed to listen for TCP: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- tcp.Serve(ln) }()

	s := &Stack{
		Config:   cfg,
		Services: svc,
		Handler:  handler,
		HTTP:     httpServer,
		TCP:      tcp,
		TCPAddr:  ln.Addr().String(),
		WSURL:    "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := handler.Shutdown(ctx); err != nil {
			t.Errorf("WebSocket shutdown: %v", err)
		}
		httpServer.Close()
		if err := tcp.Shutdown(ctx); err != nil {
			t.Errorf("TCP shutdown: %v", err)
		}
		if err := <-served; !errors.Is(err, server.ErrServerClosed) {
			t.Errorf("TCP Serve returned %v", err)
		}
	})
	return s
}

// CreateDocument creates a document through the REST API.
func (s *Stack) CreateDocument(t *testing.T) document.Document {
	t.Helper()

	resp, err := http.Post(s.HTTP.URL+"/documents", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	defer resp.Body.Close()
	AssertStatusCode(t, resp, http.StatusCreated)

	var doc document.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("Failed to decode document: %v", err)
	}
	return doc
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	if contentType := resp.Header.Get("Content-Type"); contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// ConnectWebSocket dials url with an allowed Origin header.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketFrom(url, TestOrigin)
}

// ConnectWebSocketFrom dials url with the given Origin header.
func ConnectWebSocketFrom(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// WSClient is a JSON WebSocket client bound to the test that created it.
type WSClient struct {
	t    *testing.T
	Conn *websocket.Conn
}

// DialWS connects a JSON client and closes it when the test ends.
func (s *Stack) DialWS(t *testing.T) *WSClient {
	t.Helper()
	conn, err := ConnectWebSocket(s.WSURL)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &WSClient{t: t, Conn: conn}
}

// SendJSON writes v as one text message.
func (c *WSClient) SendJSON(v any) {
	c.t.Helper()
	if err := c.Conn.WriteJSON(v); err != nil {
		c.t.Fatalf("Failed to send message: %v", err)
	}
}

// SendRaw writes data as one text message.
func (c *WSClient) SendRaw(data string) {
	c.t.Helper()
	if err := c.Conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		c.t.Fatalf("Failed to send message: %v", err)
	}
}

// Join sends a presence join for documentID.
func (c *WSClient) Join(documentID, username string) {
	c.SendJSON(map[string]string{
		"type":       "user_update",
		"documentId": documentID,
		"username":   username,
		"action":     "join",
	})
}

// Leave sends a presence leave for documentID.
func (c *WSClient) Leave(documentID, username string) {
	c.SendJSON(map[string]string{
		"type":       "user_update",
		"documentId": documentID,
		"username":   username,
		"action":     "leave",
	})
}

// Edit sends a document edit.
func (c *WSClient) Edit(documentID, content, editor string) {
	c.SendJSON(map[string]string{
		"documentId": documentID,
		"content":    content,
		"editor":     editor,
	})
}

// Receive reads the next message as a generic JSON object.
func (c *WSClient) Receive() map[string]any {
	c.t.Helper()
	msg, err := c.TryReceive(ReadTimeout)
	if err != nil {
		c.t.Fatalf("Failed to receive message: %v", err)
	}
	return msg
}

// TryReceive reads the next message, waiting at most timeout.
func (c *WSClient) TryReceive(timeout time.Duration) (map[string]any, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var msg map[string]any
	err := c.Conn.ReadJSON(&msg)
	return msg, err
}

// ReceiveType skips messages until one with the given "type" arrives.
func (c *WSClient) ReceiveType(kind string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		msg, err := c.TryReceive(time.Until(deadline))
		if err != nil {
			c.t.Fatalf("Failed waiting for %q message: %v", kind, err)
		}
		if msg["type"] == kind {
			return msg
		}
	}
	c.t.Fatalf("Timed out waiting for %q message", kind)
	return nil
}

// ExpectNoMessage fails the test if anything arrives within wait. A read
// deadline poisons a gorilla connection, so call it last.
func (c *WSClient) ExpectNoMessage(wait time.Duration) {
	c.t.Helper()
	if msg, err := c.TryReceive(wait); err == nil {
		c.t.Errorf("Expected no message, got %v", msg)
	}
}

// TCPClient is a native client speaking the framed protocol.
type TCPClient struct {
	t    *testing.T
	Conn net.Conn
	dec  *wire.Decoder
}

// DialTCP connects a native client and closes it when the test ends.
func (s *Stack) DialTCP(t *testing.T) *TCPClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.TCPAddr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect TCP: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &TCPClient{t: t, Conn: conn, dec: wire.NewDecoder(conn, 0)}
}

// Send writes one frame.
func (c *TCPClient) Send(m wire.Message) {
	c.t.Helper()
	if err := wire.Write(c.Conn, m); err != nil {
		c.t.Fatalf("Failed to send frame: %v", err)
	}
}

// SendBytes writes raw bytes, for malformed input.
func (c *TCPClient) SendBytes(b []byte) {
	c.t.Helper()
	if _, err := c.Conn.Write(b); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

// Join sends a JOIN frame.
func (c *TCPClient) Join(documentID, userID string) {
	c.Send(wire.Join{Envelope: wire.Envelope{DocumentID: documentID, UserID: userID, Timestamp: time.Now().UnixMilli()}})
}

// Edit sends an EDIT frame.
func (c *TCPClient) Edit(documentID, content, userID string) {
	c.Send(wire.Edit{
		Envelope: wire.Envelope{DocumentID: documentID, UserID: userID, Timestamp: time.Now().UnixMilli()},
		Content:  content,
	})
}

// Leave sends a LEAVE frame.
func (c *TCPClient) Leave(documentID, userID string) {
	c.Send(wire.Leave{Envelope: wire.Envelope{DocumentID: documentID, UserID: userID, Timestamp: time.Now().UnixMilli()}})
}

// Receive reads the next frame.
func (c *TCPClient) Receive() wire.Message {
	c.t.Helper()
	msg, err := c.TryReceive(ReadTimeout)
	if err != nil {
		c.t.Fatalf("Failed to receive frame: %v", err)
	}
	return msg
}

// TryReceive reads the next frame, waiting at most timeout.
func (c *TCPClient) TryReceive(timeout time.Duration) (wire.Message, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	return c.dec.ReadMessage()
}

// ExpectNoFrame fails the test if a frame arrives within wait.
func (c *TCPClient) ExpectNoFrame(wait time.Duration) {
	c.t.Helper()
	if msg, err := c.TryReceive(wait); err == nil {
		c.t.Errorf("Expected no frame, got %#v", msg)
	}
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Condition not met: %s", msg)
}
