package session

import (
	"sync/atomic"
	"time"
)

// state is one arena entry. The messages slice and lastActivity are guarded
// by the session's lock in the Gate; the byte counters are atomics so that
// cross-session statistics can read them without touching session locks.
type state struct {
	id           string
	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos
	messages     []Message
	bytes        atomic.Int64
}

func (s *state) snapshot() Session {
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return Session{
		ID:             s.id,
		CreatedAt:      s.createdAt,
		LastActivityAt: time.Unix(0, s.lastActivity.Load()),
		Messages:       messages,
		Bytes:          s.bytes.Load(),
	}
}

// Store is the session arena: a plain keyed collection with byte counters.
// It performs no locking of its own; all access is serialized by the Gate.
type Store struct {
	sessions    map[string]*state
	globalBytes atomic.Int64
}

// NewStore constructs an empty arena.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*state)}
}

// ensure returns the entry for id, creating it on first reference.
func (s *Store) ensure(id string, now time.Time) (*state, bool) {
	if entry, ok := s.sessions[id]; ok {
		return entry, false
	}
	entry := &state{id: id, createdAt: now}
	entry.lastActivity.Store(now.UnixNano())
	s.sessions[id] = entry
	return entry, true
}

func (s *Store) get(id string) (*state, bool) {
	entry, ok := s.sessions[id]
	return entry, ok
}

// remove detaches the entry and settles its bytes against the global counter.
func (s *Store) remove(id string) (removedBytes int64, ok bool) {
	entry, ok := s.sessions[id]
	if !ok {
		return 0, false
	}
	delete(s.sessions, id)
	removed := entry.bytes.Load()
	s.globalBytes.Add(-removed)
	return removed, true
}

// addBytes credits a message's size to the session and global counters.
func (s *Store) addBytes(entry *state, delta int64) {
	entry.bytes.Add(delta)
	s.globalBytes.Add(delta)
}

// GlobalBytes returns the current global byte counter.
func (s *Store) GlobalBytes() int64 {
	return s.globalBytes.Load()
}

func (s *Store) count() int {
	return len(s.sessions)
}
