package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/collabedit/internal/config"
	"github.com/Tyrowin/collabedit/internal/wire"
)

type pipePeer struct {
	t    *testing.T
	conn net.Conn
	dec  *wire.Decoder
	done chan struct{}
}

func newTestTCPServer(t *testing.T, opts ...func(*config.Config)) *TCPServer {
	t.Helper()
	cfg := config.Default()
	cfg.EditInterval = 0
	for _, opt := range opts {
		opt(&cfg)
	}
	s := NewTCPServer(cfg, NewServices(cfg, zaptest.NewLogger(t)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// attach serves one end of a pipe as a session and returns the other end.
func attach(t *testing.T, s *TCPServer) *pipePeer {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := newTCPConn(serverSide, s)

	p := &pipePeer{t: t, conn: clientSide, dec: wire.NewDecoder(clientSide, 0), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		c.serve()
	}()
	t.Cleanup(func() {
		_ = clientSide.Close()
		<-p.done
	})
	return p
}

func (p *pipePeer) send(m wire.Message) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(p.t, wire.Write(p.conn, m))
}

func (p *pipePeer) receive() wire.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
	msg, err := p.dec.ReadMessage()
	require.NoError(p.t, err)
	return msg
}

func env(doc, user string) wire.Envelope {
	return wire.Envelope{DocumentID: doc, UserID: user, Timestamp: 1}
}

func TestJoinSendsSnapshotOfExistingDocument(t *testing.T) {
	s := newTestTCPServer(t)
	doc := s.store.Create()
	require.True(t, s.store.Update(doc.ID, "hello", "alice"))

	p := attach(t, s)
	p.send(wire.Join{Envelope: env(doc.ID, "bob")})

	snapshot, ok := p.receive().(wire.Edit)
	require.True(t, ok)
	assert.Equal(t, doc.ID, snapshot.DocumentID)
	assert.Equal(t, "hello", snapshot.Content)
	assert.Equal(t, "alice", snapshot.UserID)
	assert.Positive(t, snapshot.Timestamp)
	assert.Equal(t, 1, s.hub.Count(doc.ID))
}

func TestEditBeforeJoinIsIgnored(t *testing.T) {
	s := newTestTCPServer(t)
	doc := s.store.Create()

	p := attach(t, s)
	p.send(wire.Edit{Envelope: env(doc.ID, "bob"), Content: "too early"})
	p.send(wire.Join{Envelope: env(doc.ID, "bob")})

	snapshot := p.receive().(wire.Edit)
	assert.Empty(t, snapshot.Content)
}

func TestEditForAnotherDocumentIsIgnored(t *testing.T) {
	s := newTestTCPServer(t)
	joined := s.store.Create()
	other := s.store.Create()

	p := attach(t, s)
	p.send(wire.Join{Envelope: env(joined.ID, "bob")})
	p.receive()
	p.send(wire.Edit{Envelope: env(other.ID, "bob"), Content: "elsewhere"})
	p.send(wire.Join{Envelope: env(joined.ID, "bob")})
	p.receive()

	got, _ := s.store.Get(other.ID)
	assert.Empty(t, got.Content)
}

func TestEditIsStoredAndRelayed(t *testing.T) {
	s := newTestTCPServer(t)
	doc := s.store.Create()

	editor := attach(t, s)
	viewer := attach(t, s)

	viewer.send(wire.Join{Envelope: env(doc.ID, "viewer")})
	viewer.receive()
	editor.send(wire.Join{Envelope: env(doc.ID, "editor")})
	editor.receive()
	assert.Equal(t, wire.KindJoin, viewer.receive().Kind())

	editor.send(wire.Edit{Envelope: env(doc.ID, "editor"), Content: "v2"})

	relayed, ok := viewer.receive().(wire.Edit)
	require.True(t, ok)
	assert.Equal(t, "v2", relayed.Content)
	assert.Equal(t, "editor", relayed.UserID)

	got, _ := s.store.Get(doc.ID)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, "editor", got.LastEditor)
}

func TestLeaveClosesConnection(t *testing.T) {
	s := newTestTCPServer(t)

	p := attach(t, s)
	p.send(wire.Join{Envelope: env("doc", "bob")})
	assert.Eventually(t, func() bool { return s.hub.Count("doc") == 1 }, time.Second, 5*time.Millisecond)

	p.send(wire.Leave{Envelope: env("doc", "bob")})

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := p.dec.ReadMessage()
	assert.True(t, wire.IsDisconnect(err), "got %v", err)
	assert.False(t, s.hub.Has("doc"))
}

func TestLeaveWithoutJoinClosesConnection(t *testing.T) {
	s := newTestTCPServer(t)

	p := attach(t, s)
	p.send(wire.Leave{Envelope: env("doc", "bob")})

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("session still running after LEAVE")
	}
}

func TestLeaveAfterEditBurstStillDeregisters(t *testing.T) {
	s := newTestTCPServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 3
		cfg.RateLimit.RefillInterval = time.Hour
	})

	watcher := attach(t, s)
	editor := attach(t, s)

	watcher.send(wire.Join{Envelope: env("doc-x", "watcher")})
	assert.Eventually(t, func() bool { return s.hub.Count("doc-x") == 1 }, time.Second, 5*time.Millisecond)
	editor.send(wire.Join{Envelope: env("doc-x", "editor")})
	assert.Equal(t, wire.KindJoin, watcher.receive().Kind())

	for i := range 25 {
		editor.send(wire.Edit{Envelope: env("doc-x", "editor"), Content: "burst"})
		if i < 3 {
			assert.Equal(t, wire.KindEdit, watcher.receive().Kind())
		}
	}

	editor.send(wire.Leave{Envelope: env("doc-x", "editor")})

	left := watcher.receive()
	assert.Equal(t, wire.KindLeave, left.Kind())
	assert.Equal(t, "editor", wire.EnvelopeOf(left).UserID)

	require.NoError(t, editor.conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := editor.dec.ReadMessage()
	assert.True(t, wire.IsDisconnect(err), "got %v", err)
	assert.Equal(t, 1, s.hub.Count("doc-x"))
}

func TestEditToUnknownDocumentIsNotThrottled(t *testing.T) {
	s := newTestTCPServer(t, func(cfg *config.Config) {
		cfg.EditInterval = time.Hour
	})
	doc := s.store.Create()

	p := attach(t, s)
	p.send(wire.Join{Envelope: env("ghost", "bob")})
	p.send(wire.Edit{Envelope: env("ghost", "bob"), Content: "nowhere"})
	p.send(wire.Join{Envelope: env(doc.ID, "bob")})
	p.receive()
	p.send(wire.Edit{Envelope: env(doc.ID, "bob"), Content: "somewhere"})
	p.send(wire.Leave{Envelope: env(doc.ID, "bob")})

	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("session still running after LEAVE")
	}

	assert.Equal(t, 1, s.limiter.Len())
	got, _ := s.store.Get(doc.ID)
	assert.Equal(t, "somewhere", got.Content)
	assert.False(t, s.store.Has("ghost"))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", stateConnected.String())
	assert.Equal(t, "ACTIVE", stateActive.String())
	assert.Equal(t, "CLOSED", stateClosed.String())
	assert.Equal(t, "connState(7)", connState(7).String())
}
