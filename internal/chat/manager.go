package chat

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// Defaults for room bookkeeping.
const (
	DefaultHistoryLimit = 200
	DefaultIdleTTL      = 24 * time.Hour
)

var (
	// ErrMessageNotFound is returned when editing a message that is not in
	// the room's history.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrNotAuthor is returned when a user edits someone else's message.
	ErrNotAuthor = errors.New("chat: message belongs to another user")
	// ErrNotEditable is returned when editing a system message.
	ErrNotEditable = errors.New("chat: only chat messages can be edited")
)

type room struct {
	mu             sync.Mutex
	documentID     string
	history        []Message
	users          map[string]struct{}
	createdAt      time.Time
	lastActivityAt time.Time
	dead           bool
}

// RoomInfo is a point-in-time view of a room's metadata.
type RoomInfo struct {
	DocumentID     string
	Messages       int
	ActiveUsers    int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Manager owns every chat room. Rooms are created lazily on the first message
// or join and are removed only when a user leaves an empty room that has been
// idle for longer than the idle TTL; there is no background sweeper.
//
// Manager is safe for concurrent use; each room has its own lock.
type Manager struct {
	rooms        sync.Map // string -> *room
	historyLimit int
	idleTTL      time.Duration
	now          func() time.Time
	newID        func() string
	log          *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHistoryLimit sets how many messages each room retains.
func WithHistoryLimit(limit int) Option {
	return func(m *Manager) {
		if limit > 0 {
			m.historyLimit = limit
		}
	}
}

// WithIdleTTL sets how long an empty room must be inactive before it can be
// evicted.
func WithIdleTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.idleTTL = ttl
		}
	}
}

// NewManager returns a Manager with no rooms.
func NewManager(log *zap.Logger, opts ...Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		historyLimit: DefaultHistoryLimit,
		idleTTL:      DefaultIdleTTL,
		now:          time.Now,
		newID:        func() string { return ksuid.New().String() },
		log:          log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewUserMessage builds a CHAT message with a fresh id and timestamp.
func (m *Manager) NewUserMessage(documentID, userID, username, content string) Message {
	return Message{
		ID:         m.newID(),
		DocumentID: documentID,
		UserID:     userID,
		Username:   username,
		Content:    content,
		Timestamp:  m.now().UnixMilli(),
		Type:       TypeChat,
	}
}

// NewSystemMessage builds a USER_JOINED, USER_LEFT or SYSTEM message about
// username.
func (m *Manager) NewSystemMessage(documentID, username string, kind MessageType) Message {
	if kind == TypeChat || !kind.Valid() {
		kind = TypeSystem
	}
	return Message{
		ID:         m.newID(),
		DocumentID: documentID,
		Username:   username,
		Content:    systemContent(kind, username),
		Timestamp:  m.now().UnixMilli(),
		Type:       kind,
	}
}

// withRoom runs fn on the room for documentID, creating it if needed, with
// the room lock held.
func (m *Manager) withRoom(documentID string, fn func(r *room)) {
	for {
		v, ok := m.rooms.Load(documentID)
		if !ok {
			now := m.now()
			v, ok = m.rooms.LoadOrStore(documentID, &room{
				documentID:     documentID,
				users:          make(map[string]struct{}),
				createdAt:      now,
				lastActivityAt: now,
			})
			if !ok {
				m.log.Debug("chat room created", zap.String("document_id", documentID))
			}
		}
		r := v.(*room)

		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		fn(r)
		r.mu.Unlock()
		return
	}
}

func (m *Manager) lookup(documentID string) (*room, bool) {
	v, ok := m.rooms.Load(documentID)
	if !ok {
		return nil, false
	}
	return v.(*room), true
}

// AddMessage appends msg to the room's history, creating the room if needed,
// and trims the history to the newest messages when it exceeds the limit.
func (m *Manager) AddMessage(documentID string, msg Message) {
	m.withRoom(documentID, func(r *room) {
		r.history = append(r.history, msg)
		r.lastActivityAt = m.now()
		if over := len(r.history) - m.historyLimit; over > 0 {
			r.history = append([]Message(nil), r.history[over:]...)
		}
	})
}

// History returns a copy of the room's messages, oldest first. A missing room
// yields an empty slice.
func (m *Manager) History(documentID string) []Message {
	r, ok := m.lookup(documentID)
	if !ok {
		return []Message{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(make([]Message, 0, len(r.history)), r.history...)
}

// EditMessage replaces the content of a CHAT message written by userID and
// marks it edited.
func (m *Manager) EditMessage(documentID, messageID, userID, content string) (Message, error) {
	r, ok := m.lookup(documentID)
	if !ok {
		return Message{}, ErrMessageNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.history {
		msg := &r.history[i]
		if msg.ID != messageID {
			continue
		}
		if msg.Type != TypeChat {
			return Message{}, ErrNotEditable
		}
		if msg.UserID != userID {
			return Message{}, ErrNotAuthor
		}
		now := m.now()
		msg.Content = content
		msg.Edited = true
		msg.EditedTimestamp = now.UnixMilli()
		r.lastActivityAt = now
		return *msg, nil
	}
	return Message{}, ErrMessageNotFound
}

// AddUser marks username as present in the room. It reports whether the user
// was newly added.
func (m *Manager) AddUser(documentID, username string) bool {
	var added bool
	m.withRoom(documentID, func(r *room) {
		if _, ok := r.users[username]; !ok {
			r.users[username] = struct{}{}
			added = true
		}
	})
	return added
}

// RemoveUser drops username from the room. When that leaves the room empty
// and it has been inactive for longer than the idle TTL, the room itself is
// removed. It reports whether the user was present.
func (m *Manager) RemoveUser(documentID, username string) bool {
	r, ok := m.lookup(documentID)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, present := r.users[username]
	delete(r.users, username)

	if len(r.users) == 0 && !r.dead && m.now().Sub(r.lastActivityAt) > m.idleTTL {
		r.dead = true
		m.rooms.CompareAndDelete(documentID, r)
		m.log.Info("removed inactive chat room", zap.String("document_id", documentID))
	}
	return present
}

// ActiveUsers returns the usernames present in the room, sorted.
func (m *Manager) ActiveUsers(documentID string) []string {
	r, ok := m.lookup(documentID)
	if !ok {
		return []string{}
	}

	r.mu.Lock()
	users := make([]string, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	r.mu.Unlock()

	sort.Strings(users)
	return users
}

// Room returns metadata for the room of documentID.
func (m *Manager) Room(documentID string) (RoomInfo, bool) {
	r, ok := m.lookup(documentID)
	if !ok {
		return RoomInfo{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		DocumentID:     r.documentID,
		Messages:       len(r.history),
		ActiveUsers:    len(r.users),
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}, true
}

// Len returns the number of rooms.
func (m *Manager) Len() int {
	n := 0
	m.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
