// Package document holds the in-memory document store shared by every
// transport.
//
// Consistency model: last writer wins. Update replaces the whole content of a
// document, and when two updates for the same id race, the one applied last
// at the store fully discards the other. There is no merging and no conflict
// detection.
package document

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Document is a snapshot of one shared text document.
type Document struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	LastEditor   string    `json:"lastEditor"`
	LastEditTime time.Time `json:"lastEditTime"`
}

type entry struct {
	mu  sync.RWMutex
	doc Document
}

// Store maps document ids to documents. It is safe for concurrent use; each
// document is guarded by its own lock so unrelated documents never contend.
// Documents are never deleted for the lifetime of the process.
type Store struct {
	docs  sync.Map // string -> *entry
	now   func() time.Time
	newID func() string
	log   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used to stamp documents.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore returns an empty Store.
func NewStore(log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a new empty document under a freshly generated id.
func (s *Store) Create() Document {
	for {
		e := &entry{doc: Document{ID: s.newID(), LastEditTime: s.now()}}
		if _, loaded := s.docs.LoadOrStore(e.doc.ID, e); !loaded {
			s.log.Info("document created", zap.String("document_id", e.doc.ID))
			return e.doc
		}
	}
}

// Get returns a copy of the document with the given id.
func (s *Store) Get(id string) (Document, bool) {
	v, ok := s.docs.Load(id)
	if !ok {
		return Document{}, false
	}
	e := v.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc, true
}

// Has reports whether a document with the given id exists.
func (s *Store) Has(id string) bool {
	_, ok := s.docs.Load(id)
	return ok
}

// Update replaces the content of an existing document and stamps the editor
// and edit time. Updating an unknown id is a no-op; the return value only
// reports whether anything was written.
func (s *Store) Update(id, content, editor string) bool {
	v, ok := s.docs.Load(id)
	if !ok {
		s.log.Debug("update for unknown document ignored", zap.String("document_id", id))
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	e.doc.Content = content
	e.doc.LastEditor = editor
	e.doc.LastEditTime = s.now()
	e.mu.Unlock()
	return true
}

// Len returns the number of documents.
func (s *Store) Len() int {
	n := 0
	s.docs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
