package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabedit/internal/ratelimit"
	"github.com/Tyrowin/collabedit/internal/session"
)

// Client is one browser connection. It implements session.Session: Send only
// queues the payload, and a dedicated write goroutine drains the queue so a
// slow peer never blocks a broadcast.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	handler        *DocumentHandler
	addr           string
	maxMessageSize int64
	writeTimeout   time.Duration
	edits          *ratelimit.Bucket
	log            *zap.Logger

	mu     sync.Mutex
	closed bool

	// joined maps each document this connection joined to the username it
	// joined with. Only the read goroutine touches it.
	joined map[string]string
}

var _ session.Session = (*Client)(nil)

func newClient(conn *websocket.Conn, h *DocumentHandler, addr string) *Client {
	cfg := h.cfg
	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		handler:        h,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		writeTimeout:   cfg.WriteTimeout,
		edits:          ratelimit.NewBucket(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		log:            h.log.With(zap.String("session_id", id), zap.String("remote_addr", addr)),
		joined:         make(map[string]string),
	}
}

// ID implements session.Session.
func (c *Client) ID() string { return c.id }

// Send implements session.Session. It never blocks.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return session.ErrSessionClosed
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return session.ErrSendBufferFull
	}
}

// Close implements session.Session. The write goroutine sends a close frame
// and tears down the connection once it has drained the queue.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// handleReadError logs the reason the read loop ended.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Warn("WebSocket read error", zap.Error(err))
	}
}

// allowEdit takes one token from the connection's edit budget.
func (c *Client) allowEdit() bool {
	if c.edits != nil && !c.edits.Allow() {
		c.log.Debug("connection edit rate exceeded; discarding edit")
		return false
	}
	return true
}

// processMessage decodes one inbound message and hands it to the handler.
// Malformed messages are dropped and the connection stays open.
func (c *Client) processMessage(raw []byte) {
	in, err := DecodeInbound(raw)
	if err != nil {
		c.log.Warn("dropping malformed message", zap.Error(err))
		return
	}
	c.handler.dispatch(c, in)
}

// readPump processes inbound messages in arrival order until the connection
// fails, then releases everything the connection held.
func (c *Client) readPump() {
	defer func() {
		c.handler.disconnect(c)
		_ = c.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	// Sessions have no idle timeout.
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		c.log.Warn("clearing read deadline", zap.Error(err))
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		c.processMessage(raw)
	}
}

// writePump writes queued payloads, one WebSocket text message each, until
// the queue is closed or a write fails.
func (c *Client) writePump() {
	defer c.closeConnection()

	for message := range c.send {
		if !c.writeTextMessage(message) {
			// Unblock the read goroutine; it performs the cleanup.
			return
		}
	}
	c.writeCloseMessage()
}

// closeConnection closes the socket, ignoring errors from a connection the
// peer already dropped.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("error closing connection", zap.Error(err))
	}
}

func (c *Client) writeCloseMessage() {
	deadline := time.Now().Add(c.writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error writing close message", zap.Error(err))
	}
}

func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}
