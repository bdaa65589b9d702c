// Package session tracks which live connections are viewing which document
// and fans messages out to them.
package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSessionClosed is returned by Send once a session has been closed.
	ErrSessionClosed = errors.New("session: closed")
	// ErrSendBufferFull is returned by Send when a session cannot accept more
	// outbound payloads.
	ErrSendBufferFull = errors.New("session: send buffer full")
)

// Session is one live client connection as seen by the Hub. Implementations
// serialize their own writes; Send may be called from many goroutines.
type Session interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

type sessionSet struct {
	mu      sync.Mutex
	members map[Session]struct{}
	dead    bool // set once removed from the hub; a dead set is never reused
}

// Hub is the per-document session registry and broadcast fan-out.
//
// It is safe for concurrent Register, Remove, Broadcast and iteration. Each
// document has its own lock, so traffic on unrelated documents never
// contends. A document entry exists only while at least one session is
// registered to it.
type Hub struct {
	docs sync.Map // string -> *sessionSet
	log  *zap.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log}
}

// Register adds s to the session set of documentID, creating the set if
// needed. Registering the same session twice is a no-op.
func (h *Hub) Register(documentID string, s Session) {
	for {
		v, ok := h.docs.Load(documentID)
		if !ok {
			v, _ = h.docs.LoadOrStore(documentID, &sessionSet{members: make(map[Session]struct{})})
		}
		set := v.(*sessionSet)

		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.members[s] = struct{}{}
		count := len(set.members)
		set.mu.Unlock()

		h.log.Debug("session registered",
			zap.String("document_id", documentID),
			zap.String("session_id", s.ID()),
			zap.Int("sessions", count))
		return
	}
}

// Remove deletes s from the session set of documentID and drops the document
// entry when the set becomes empty. It reports whether s was registered.
// Only session bookkeeping is affected; documents themselves are untouched.
func (h *Hub) Remove(documentID string, s Session) bool {
	v, ok := h.docs.Load(documentID)
	if !ok {
		return false
	}
	set := v.(*sessionSet)

	set.mu.Lock()
	_, present := set.members[s]
	delete(set.members, s)
	count := len(set.members)
	if count == 0 && !set.dead {
		set.dead = true
		h.docs.CompareAndDelete(documentID, set)
	}
	set.mu.Unlock()

	if present {
		h.log.Debug("session removed",
			zap.String("document_id", documentID),
			zap.String("session_id", s.ID()),
			zap.Int("sessions", count))
	}
	return present
}

// RemoveAll deletes s from every document it is registered to and returns
// those document ids.
func (h *Hub) RemoveAll(s Session) []string {
	var candidates []string
	h.docs.Range(func(key, value any) bool {
		set := value.(*sessionSet)
		set.mu.Lock()
		_, ok := set.members[s]
		set.mu.Unlock()
		if ok {
			candidates = append(candidates, key.(string))
		}
		return true
	})

	removed := candidates[:0]
	for _, documentID := range candidates {
		if h.Remove(documentID, s) {
			removed = append(removed, documentID)
		}
	}
	return removed
}

// Sessions returns a snapshot of the sessions registered to documentID.
func (h *Hub) Sessions(documentID string) []Session {
	v, ok := h.docs.Load(documentID)
	if !ok {
		return nil
	}
	return v.(*sessionSet).snapshot()
}

// Count returns how many sessions are registered to documentID.
func (h *Hub) Count(documentID string) int {
	v, ok := h.docs.Load(documentID)
	if !ok {
		return 0
	}
	set := v.(*sessionSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.members)
}

// Has reports whether documentID currently has a session set.
func (h *Hub) Has(documentID string) bool {
	_, ok := h.docs.Load(documentID)
	return ok
}

// Documents returns the ids of every document with at least one session.
func (h *Hub) Documents() []string {
	var ids []string
	h.docs.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	return ids
}

func (set *sessionSet) snapshot() []Session {
	set.mu.Lock()
	defer set.mu.Unlock()

	sessions := make([]Session, 0, len(set.members))
	for s := range set.members {
		sessions = append(sessions, s)
	}
	return sessions
}

// Broadcast delivers payload to every session registered to documentID except
// exclude, which may be nil. Delivery runs on the calling goroutine. A session
// that fails to accept the payload is removed and closed so its own cleanup
// runs; the remaining sessions are still attempted. It returns the number of
// successful deliveries.
func (h *Hub) Broadcast(documentID string, payload []byte, exclude Session) int {
	sessions := h.Sessions(documentID)

	delivered := 0
	var failed []Session
	for _, s := range sessions {
		if exclude != nil && s == exclude {
			continue
		}
		if h.safeSend(s, payload) {
			delivered++
		} else {
			failed = append(failed, s)
		}
	}

	h.removeFailedSessions(documentID, failed)
	return delivered
}

func (h *Hub) safeSend(s Session, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from panic while sending", zap.String("session_id", s.ID()), zap.Any("panic", r))
			ok = false
		}
	}()

	if err := s.Send(payload); err != nil {
		h.log.Warn("delivery failed", zap.String("session_id", s.ID()), zap.Error(err))
		return false
	}
	return true
}

func (h *Hub) removeFailedSessions(documentID string, failed []Session) {
	for _, s := range failed {
		h.Remove(documentID, s)
		if err := s.Close(); err != nil {
			h.log.Debug("closing failed session", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
}

// CloseAll closes every registered session. The sessions' own cleanup paths
// are expected to deregister them.
func (h *Hub) CloseAll() int {
	closed := make(map[Session]struct{})
	h.docs.Range(func(_, value any) bool {
		for _, s := range value.(*sessionSet).snapshot() {
			closed[s] = struct{}{}
		}
		return true
	})

	for s := range closed {
		if err := s.Close(); err != nil {
			h.log.Debug("closing session", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
	h.log.Info("closed sessions", zap.Int("count", len(closed)))
	return len(closed)
}
