// Package store persists session snapshots through the file storage layer,
// debouncing the bridge's save requests so a chatty session does not hammer
// the disk.
package store

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/companion-dev/companion/internal/logging"
	"github.com/companion-dev/companion/internal/storage"
	"github.com/companion-dev/companion/pkg/types"
)

// DefaultDebounce is the trailing-edge delay between a save request and the
// actual write.
const DefaultDebounce = 250 * time.Millisecond

const collection = "sessions"

// Store saves and loads persisted sessions, one JSON file per session.
type Store struct {
	storage *storage.Storage
	delay   time.Duration

	mu      sync.Mutex
	pending map[string]*types.PersistedSession
	timers  map[string]*time.Timer
	closed  bool
}

// New creates a Store on top of the given storage. A non-positive delay
// disables debouncing (every save writes immediately); tests use that.
func New(st *storage.Storage, delay time.Duration) *Store {
	return &Store{
		storage: st,
		delay:   delay,
		pending: make(map[string]*types.PersistedSession),
		timers:  make(map[string]*time.Timer),
	}
}

// LoadAll returns every persisted session. Files that fail to decode are
// skipped with a warning; one corrupt session must not block a restore.
func (s *Store) LoadAll() ([]*types.PersistedSession, error) {
	var sessions []*types.PersistedSession
	err := s.storage.Scan([]string{collection}, func(key string, data json.RawMessage) error {
		var p types.PersistedSession
		if err := json.Unmarshal(data, &p); err != nil {
			logging.Warn().Str("session_id", key).Err(err).Msg("skipping unreadable session file")
			return nil
		}
		if p.ID == "" {
			p.ID = key
		}
		p.Normalize()
		sessions = append(sessions, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Save schedules a write of the snapshot. Later snapshots for the same
// session replace earlier pending ones; only the newest hits disk.
func (s *Store) Save(p *types.PersistedSession) {
	if p == nil || p.ID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[p.ID] = p
	if s.delay <= 0 {
		s.mu.Unlock()
		s.flushOne(p.ID)
		return
	}
	if _, ok := s.timers[p.ID]; !ok {
		id := p.ID
		s.timers[id] = time.AfterFunc(s.delay, func() { s.flushOne(id) })
	}
	s.mu.Unlock()
}

// Remove drops the session from disk and cancels any pending write.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if err := s.storage.Delete([]string{collection, id}); err != nil {
		logging.Error().Str("session_id", id).Err(err).Msg("failed to remove session file")
	}
}

// Flush writes out every pending snapshot. Called on shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.flushOne(id)
	}
}

// Close flushes and stops accepting saves.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.Flush()
}

func (s *Store) flushOne(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	if t, tok := s.timers[id]; tok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := s.storage.Put([]string{collection, id}, p); err != nil {
		logging.Error().Str("session_id", id).Err(err).Msg("failed to persist session")
	}
}
