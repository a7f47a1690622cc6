package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "mira/internal/errors"
	"mira/internal/logging"
)

// Mirror is the durable reflection of the arena. Writes to the mirror always
// follow the in-memory mutation; mirror failures are retried a small fixed
// number of times and then absorbed, leaving the in-memory state
// authoritative.
type Mirror interface {
	SaveSession(ctx context.Context, session Session) error
	SaveMessage(ctx context.Context, message Message) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteAll(ctx context.Context) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Gate serializes all access to the session arena. It maintains one lazily
// created mutex per session id plus one global mutex for operations touching
// more than one session.
//
// Lock ordering rule: an operation holds at most one session lock at a time
// and never acquires the global lock while holding a session lock, nor a
// session lock while holding the global lock. Cross-session operations take
// only the global lock and read the arena's atomic counters directly; they
// may therefore observe a slightly stale view relative to in-flight
// session-scoped mutations, which is the accepted relaxation for statistics.
type Gate struct {
	store   *Store
	mirror  Mirror
	monitor *Monitor
	logger  logging.Logger
	retry   errs.RetryConfig
	newID   func() string
	now     func() time.Time

	// registry guards the sessions map structure and the lock table. It is
	// held only for map lookups, never across a suspension point.
	registry sync.Mutex
	locks    map[string]*sync.Mutex

	global sync.Mutex
}

// NewGate constructs a Gate. mirror and monitor may be nil.
func NewGate(store *Store, mirror Mirror, monitor *Monitor) *Gate {
	return &Gate{
		store:   store,
		mirror:  mirror,
		monitor: monitor,
		logger:  logging.NewComponentLogger("concurrency-gate"),
		retry:   errs.DefaultRetryConfig(),
		newID:   func() string { return uuid.NewString() },
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Monitor returns the attached memory monitor, if any.
func (g *Gate) Monitor() *Monitor { return g.monitor }

// acquireSession locks the session's mutex, creating it lazily. Because
// ClearSession removes lock entries, a waiter re-validates that the mutex it
// acquired is still the registered one and retries otherwise.
func (g *Gate) acquireSession(sessionID string) *sync.Mutex {
	for {
		g.registry.Lock()
		lock, ok := g.locks[sessionID]
		if !ok {
			lock = &sync.Mutex{}
			g.locks[sessionID] = lock
		}
		g.registry.Unlock()

		lock.Lock()

		g.registry.Lock()
		current := g.locks[sessionID]
		g.registry.Unlock()
		if current == lock {
			return lock
		}
		lock.Unlock()
	}
}

// Handle is a held session lock. Operations on a Handle run without
// re-locking; the caller must Release it, typically via defer, so that
// cancellation and failure paths always release the lock.
type Handle struct {
	gate     *Gate
	id       string
	lock     *sync.Mutex
	released bool
}

// Acquire locks sessionID for a multi-step operation. The session is created
// on first reference.
func (g *Gate) Acquire(ctx context.Context, sessionID string) *Handle {
	lock := g.acquireSession(sessionID)

	g.registry.Lock()
	entry, created := g.store.ensure(sessionID, g.now())
	g.registry.Unlock()

	if created {
		g.mirrorWrite(ctx, "save-session", func(ctx context.Context) error {
			return g.mirror.SaveSession(ctx, entry.snapshot())
		})
	}

	return &Handle{gate: g, id: sessionID, lock: lock}
}

// Release unlocks the session. Safe to call more than once.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.lock.Unlock()
}

// Session returns a copy of the session's current state.
func (h *Handle) Session() Session {
	entry, ok := h.entry()
	if !ok {
		return Session{ID: h.id}
	}
	return entry.snapshot()
}

// History returns a copy of the session's ordered message list.
func (h *Handle) History() []Message {
	entry, ok := h.entry()
	if !ok {
		return nil
	}
	messages := make([]Message, len(entry.messages))
	copy(messages, entry.messages)
	return messages
}

// AddMessage appends a message to the session, updates byte counters, mirrors
// the write, and feeds the memory monitor. Timestamps are forced
// non-decreasing; ties keep insertion order.
func (h *Handle) AddMessage(ctx context.Context, role Role, content string, metadata Metadata) Message {
	g := h.gate
	entry, _ := h.entry()
	if entry == nil {
		g.registry.Lock()
		entry, _ = g.store.ensure(h.id, g.now())
		g.registry.Unlock()
	}

	timestamp := g.now()
	if n := len(entry.messages); n > 0 && timestamp.Before(entry.messages[n-1].Timestamp) {
		timestamp = entry.messages[n-1].Timestamp
	}

	message := Message{
		ID:        g.newID(),
		SessionID: h.id,
		Content:   content,
		Role:      role,
		Timestamp: timestamp,
		Metadata:  metadata,
	}

	entry.messages = append(entry.messages, message)
	entry.lastActivity.Store(timestamp.UnixNano())
	g.store.addBytes(entry, message.SizeBytes())

	g.mirrorWrite(ctx, "save-message", func(ctx context.Context) error {
		return g.mirror.SaveMessage(ctx, message)
	})

	if g.monitor != nil {
		g.registry.Lock()
		active := g.store.count()
		g.registry.Unlock()
		g.monitor.Observe(h.id, entry.bytes.Load(), g.store.GlobalBytes(), active)
	}

	return message
}

func (h *Handle) entry() (*state, bool) {
	h.gate.registry.Lock()
	defer h.gate.registry.Unlock()
	return h.gate.store.get(h.id)
}

// GetSession returns a copy of the session, creating it on first reference.
func (g *Gate) GetSession(ctx context.Context, sessionID string) Session {
	handle := g.Acquire(ctx, sessionID)
	defer handle.Release()
	return handle.Session()
}

// AddMessage appends one message under the session's lock.
func (g *Gate) AddMessage(ctx context.Context, sessionID string, role Role, content string, metadata Metadata) Message {
	handle := g.Acquire(ctx, sessionID)
	defer handle.Release()
	return handle.AddMessage(ctx, role, content, metadata)
}

// History returns a copy of the session's message list.
func (g *Gate) History(ctx context.Context, sessionID string) []Message {
	handle := g.Acquire(ctx, sessionID)
	defer handle.Release()
	return handle.History()
}

// ClearSession removes the session and its lock entry. The durable mirror is
// updated after the in-memory removal.
func (g *Gate) ClearSession(ctx context.Context, sessionID string) {
	lock := g.acquireSession(sessionID)
	defer lock.Unlock()

	g.registry.Lock()
	_, existed := g.store.remove(sessionID)
	delete(g.locks, sessionID)
	g.registry.Unlock()

	if g.monitor != nil {
		g.monitor.Forget(sessionID)
	}
	if existed {
		g.mirrorWrite(ctx, "delete-session", func(ctx context.Context) error {
			return g.mirror.DeleteSession(ctx, sessionID)
		})
	}
}

// StoreStats is the cross-session aggregate view.
type StoreStats struct {
	GlobalBytes    int64            `json:"global_bytes"`
	ActiveSessions int              `json:"active_sessions"`
	SessionBytes   map[string]int64 `json:"session_bytes"`
}

// Stats returns aggregate statistics under the global lock. The view is
// consistent with respect to other cross-session operations only.
func (g *Gate) Stats() StoreStats {
	g.global.Lock()
	defer g.global.Unlock()

	g.registry.Lock()
	defer g.registry.Unlock()

	stats := StoreStats{
		GlobalBytes:    g.store.GlobalBytes(),
		ActiveSessions: g.store.count(),
		SessionBytes:   make(map[string]int64, g.store.count()),
	}
	for id, entry := range g.store.sessions {
		stats.SessionBytes[id] = entry.bytes.Load()
	}
	return stats
}

// ClearAll removes every session. Candidates are snapshotted under the global
// lock, then cleared one session lock at a time per the lock ordering rule.
func (g *Gate) ClearAll(ctx context.Context) {
	for _, id := range g.snapshotIDs(func(*state) bool { return true }) {
		g.ClearSession(ctx, id)
	}
	g.mirrorWrite(ctx, "delete-all", func(ctx context.Context) error {
		return g.mirror.DeleteAll(ctx)
	})
}

// CleanupOlderThan removes sessions whose last activity is before cutoff and
// returns the count removed. Stale candidates are identified under the global
// lock; each is then re-checked and cleared under its own session lock so the
// two locks are never held together.
func (g *Gate) CleanupOlderThan(ctx context.Context, cutoff time.Time) int {
	candidates := g.snapshotIDs(func(entry *state) bool {
		return entry.lastActivity.Load() < cutoff.UnixNano()
	})

	removed := 0
	for _, id := range candidates {
		lock := g.acquireSession(id)

		g.registry.Lock()
		entry, ok := g.store.get(id)
		stale := ok && entry.lastActivity.Load() < cutoff.UnixNano()
		if stale {
			g.store.remove(id)
			delete(g.locks, id)
		}
		g.registry.Unlock()

		lock.Unlock()

		if stale {
			removed++
			if g.monitor != nil {
				g.monitor.Forget(id)
			}
		}
	}

	if removed > 0 {
		g.logger.Info("Cleaned up %d stale sessions", removed)
	}
	g.mirrorWrite(ctx, "delete-before", func(ctx context.Context) error {
		_, err := g.mirror.DeleteBefore(ctx, cutoff)
		return err
	})
	return removed
}

func (g *Gate) snapshotIDs(keep func(*state) bool) []string {
	g.global.Lock()
	defer g.global.Unlock()

	g.registry.Lock()
	defer g.registry.Unlock()

	ids := make([]string, 0, g.store.count())
	for id, entry := range g.store.sessions {
		if keep(entry) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// mirrorWrite runs a durable write with bounded retry. Failures are absorbed:
// the in-memory state remains authoritative and only the operation name is
// logged, never content.
func (g *Gate) mirrorWrite(ctx context.Context, op string, fn errs.RetryableFunc) {
	if g.mirror == nil {
		return
	}
	if err := errs.RetryWithLog(ctx, g.retry, fn, g.logger); err != nil {
		g.logger.Warn("Durable mirror %s failed after retries; in-memory state remains authoritative", op)
	}
}
