package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/collabedit/internal/ratelimit"
	"github.com/Tyrowin/collabedit/internal/session"
	"github.com/Tyrowin/collabedit/internal/wire"
)

// connState is the lifecycle of a TCP session.
type connState int

const (
	// stateConnected: accepted, not bound to a document.
	stateConnected connState = iota
	// stateActive: bound to exactly one document.
	stateActive
	// stateClosed: terminal.
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "CONNECTED"
	case stateActive:
		return "ACTIVE"
	case stateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// tcpConn is one native client. The read loop owns state, documentID and
// userID; Send and Close may be called from any goroutine.
type tcpConn struct {
	id      string
	conn    net.Conn
	server  *TCPServer
	dec     *wire.Decoder
	edits   *ratelimit.Bucket
	log     *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	state      connState
	documentID string
	userID     string
}

var _ session.Session = (*tcpConn)(nil)

func newTCPConn(conn net.Conn, s *TCPServer) *tcpConn {
	id := uuid.NewString()
	return &tcpConn{
		id:      id,
		conn:    conn,
		server:  s,
		dec:     wire.NewDecoder(conn, s.cfg.MaxFramePayload),
		edits:   ratelimit.NewBucket(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		log: s.log.With(
			zap.String("session_id", id),
			zap.String("remote_addr", conn.RemoteAddr().String())),
		state: stateConnected,
	}
}

// ID implements session.Session.
func (c *tcpConn) ID() string { return c.id }

// Send implements session.Session. Writes are serialized and bounded by the
// configured write timeout.
func (c *tcpConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

// Close implements session.Session. It unblocks the read loop, which then
// runs the session's cleanup.
func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// serve reads frames until the session closes.
func (c *tcpConn) serve() {
	c.log.Info("client connected")
	defer c.cleanup()

	for c.state != stateClosed {
		msg, err := c.dec.ReadMessage()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				c.log.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			if wire.IsDisconnect(err) || isExpectedCloseError(err) {
				c.log.Info("client disconnected", zap.Stringer("state", c.state))
			} else {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}

		c.handle(msg)
	}
}

func (c *tcpConn) handle(msg wire.Message) {
	switch m := msg.(type) {
	case wire.Join:
		c.join(m)
	case wire.Edit:
		c.edit(m)
	case wire.Leave:
		c.leave(m)
	default:
		c.log.Warn("dropping unsupported frame", zap.Stringer("kind", msg.Kind()))
	}
}

// join binds the session to m.DocumentID, moving it off any document it was
// bound to, and sends it the current document state.
func (c *tcpConn) join(m wire.Join) {
	if c.state == stateActive && c.documentID != m.DocumentID {
		c.unbind()
	}

	rejoin := c.state == stateActive
	c.state = stateActive
	c.documentID = m.DocumentID
	c.userID = m.UserID
	c.server.hub.Register(m.DocumentID, c)

	c.sendSnapshot()

	if !rejoin {
		c.broadcast(wire.Join{Envelope: c.envelope()})
	}
	c.log.Info("session joined document", zap.String("document_id", m.DocumentID), zap.String("user_id", m.UserID))
}

// sendSnapshot sends the bound document's current content as an EDIT frame.
// Nothing is sent for a document that does not exist.
func (c *tcpConn) sendSnapshot() {
	doc, ok := c.server.store.Get(c.documentID)
	if !ok {
		return
	}

	frame, err := wire.Encode(wire.Edit{
		Envelope: wire.Envelope{
			DocumentID: doc.ID,
			UserID:     doc.LastEditor,
			Timestamp:  doc.LastEditTime.UnixMilli(),
		},
		Content: doc.Content,
	})
	if err != nil {
		c.log.Warn("document cannot be framed; snapshot skipped", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	if err := c.Send(frame); err != nil {
		c.log.Warn("sending snapshot", zap.Error(err))
		_ = c.Close()
	}
}

func (c *tcpConn) edit(m wire.Edit) {
	if c.state != stateActive || m.DocumentID != c.documentID {
		c.log.Warn("dropping edit for a document the session has not joined",
			zap.String("document_id", m.DocumentID),
			zap.Stringer("state", c.state))
		return
	}

	if !c.edits.Allow() {
		c.log.Debug("connection edit rate exceeded; discarding edit", zap.String("document_id", m.DocumentID))
		return
	}

	if c.server.store.Has(m.DocumentID) {
		if !c.server.limiter.Allow(m.DocumentID, c.server.now()) {
			c.log.Debug("document edit rate exceeded; discarding edit", zap.String("document_id", m.DocumentID))
			return
		}
		c.server.store.Update(m.DocumentID, m.Content, m.UserID)
	} else {
		c.log.Debug("edit for unknown document", zap.String("document_id", m.DocumentID))
	}
	c.broadcast(m)
}

// leave ends the session.
func (c *tcpConn) leave(wire.Leave) {
	if c.state == stateActive {
		c.unbind()
	}
	c.state = stateClosed
}

// unbind deregisters the session from its document and tells the remaining
// sessions.
func (c *tcpConn) unbind() {
	c.server.hub.Remove(c.documentID, c)
	c.broadcast(wire.Leave{Envelope: c.envelope()})
	c.log.Info("session left document", zap.String("document_id", c.documentID))

	c.state = stateConnected
	c.documentID = ""
}

func (c *tcpConn) envelope() wire.Envelope {
	return wire.Envelope{
		DocumentID: c.documentID,
		UserID:     c.userID,
		Timestamp:  c.server.now().UnixMilli(),
	}
}

// broadcast relays m to every other session on the bound document.
func (c *tcpConn) broadcast(m wire.Message) {
	frame, err := wire.Encode(m)
	if err != nil {
		c.log.Warn("encoding frame", zap.Stringer("kind", m.Kind()), zap.Error(err))
		return
	}
	c.server.hub.Broadcast(wire.EnvelopeOf(m).DocumentID, frame, c)
}

func (c *tcpConn) cleanup() {
	if c.state == stateActive {
		c.unbind()
	}
	c.state = stateClosed
	if err := c.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("closing connection", zap.Error(err))
	}
	c.log.Info("session closed")
}
