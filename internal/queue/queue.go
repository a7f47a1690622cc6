// Package queue implements the durable offline queue of pending outbound
// messages. Items are dequeued highest priority first, FIFO within a
// priority. The queue is size-bounded: a full queue rejects enqueues with
// explicit backpressure rather than dropping silently.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	errs "mira/internal/errors"
	"mira/internal/logging"
)

// Priority orders queued messages. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Item is one queued outbound message.
type Item struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Priority   Priority  `json:"priority"`
	RetryCount int       `json:"retry_count"`
	Status     Status    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// BreakerState records the circuit state observed when the item was
	// enqueued, for later inspection.
	BreakerState string `json:"breaker_state,omitempty"`
}

// Config bounds the queue.
type Config struct {
	MaxSize    int // maximum pending items (default: 100)
	MaxRetries int // attempts before an item becomes failed (default: 3)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxSize: 100, MaxRetries: 3}
}

const schema = `
CREATE TABLE IF NOT EXISTS queued_messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    priority INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    enqueued_at INTEGER NOT NULL,
    breaker_state TEXT
);
CREATE INDEX IF NOT EXISTS idx_queued_messages_status ON queued_messages (status, priority, enqueued_at);
`

// Queue is the durable offline queue. Its on-disk representation is guarded
// by a single-writer mutex.
type Queue struct {
	mu     sync.Mutex
	db     *sql.DB
	config Config
	logger logging.Logger
	newID  func() string
	now    func() time.Time
}

// Open creates a queue backed by the database at path.
func Open(ctx context.Context, path string, config Config) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue database ping failed: %w", err)
	}
	return New(ctx, db, config)
}

// New wraps an existing database handle.
func New(ctx context.Context, db *sql.DB, config Config) (*Queue, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return &Queue{
		db:     db,
		config: config,
		logger: logging.NewComponentLogger("offline-queue"),
		newID:  func() string { return uuid.NewString() },
		now:    time.Now,
	}, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue inserts a pending item and returns it with its assigned id. A full
// queue returns *errs.QueueFullError; callers surface that as user-visible
// backpressure.
func (q *Queue) Enqueue(ctx context.Context, sessionID, text string, priority Priority, breakerState string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth, err := q.depthLocked(ctx)
	if err != nil {
		return Item{}, err
	}
	if depth >= q.config.MaxSize {
		q.logger.Warn("Enqueue rejected: queue full (%d/%d)", depth, q.config.MaxSize)
		return Item{}, &errs.QueueFullError{Limit: q.config.MaxSize}
	}

	item := Item{
		ID:           q.newID(),
		SessionID:    sessionID,
		Text:         text,
		Priority:     priority,
		Status:       StatusPending,
		EnqueuedAt:   q.now(),
		BreakerState: breakerState,
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO queued_messages (id, session_id, text, priority, retry_count, status, enqueued_at, breaker_state)
VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		item.ID, item.SessionID, item.Text, int(item.Priority), string(item.Status),
		item.EnqueuedAt.UnixNano(), item.BreakerState)
	if err != nil {
		return Item{}, errs.NewPersistenceError("enqueue", err)
	}
	q.logger.Debug("Enqueued message (session=%s, priority=%s, length=%d)",
		sessionID, priority, len(text))
	return item, nil
}

// Dequeue returns the highest-priority, oldest pending item, or nil when the
// queue has no pending work. Failed items are skipped.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx, `
SELECT id, session_id, text, priority, retry_count, status, enqueued_at, COALESCE(breaker_state, '')
FROM queued_messages
WHERE status = ?
ORDER BY priority DESC, enqueued_at ASC, id ASC
LIMIT 1`, string(StatusPending))

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.NewPersistenceError("dequeue", err)
	}
	return item, nil
}

// MarkSent records successful delivery of the item.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		"UPDATE queued_messages SET status = ? WHERE id = ?", string(StatusSent), id)
	if err != nil {
		return errs.NewPersistenceError("mark-sent", err)
	}
	return nil
}

// MarkFailure increments the item's retry count. The item stays pending until
// the retry limit is reached, then becomes failed and is excluded from
// automatic retry while remaining inspectable until manually cleared.
func (q *Queue) MarkFailure(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx, `
UPDATE queued_messages
SET retry_count = retry_count + 1,
    status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END
WHERE id = ? AND status = ?`,
		q.config.MaxRetries, string(StatusFailed), string(StatusPending), id, string(StatusPending))
	if err != nil {
		return errs.NewPersistenceError("mark-failure", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("queued message not pending: %s", id)
	}
	return nil
}

// Depth returns the number of pending items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked(ctx)
}

func (q *Queue) depthLocked(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queued_messages WHERE status = ?", string(StatusPending)).Scan(&depth)
	if err != nil {
		return 0, errs.NewPersistenceError("depth", err)
	}
	return depth, nil
}

// Items returns every queued message, newest first, for inspection.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `
SELECT id, session_id, text, priority, retry_count, status, enqueued_at, COALESCE(breaker_state, '')
FROM queued_messages ORDER BY enqueued_at DESC`)
	if err != nil {
		return nil, errs.NewPersistenceError("list", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errs.NewPersistenceError("list", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ClearFailed removes terminally failed items and returns the count removed.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx,
		"DELETE FROM queued_messages WHERE status = ?", string(StatusFailed))
	if err != nil {
		return 0, errs.NewPersistenceError("clear-failed", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, errs.NewPersistenceError("clear-failed", err)
	}
	return int(removed), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var priority int
	var status string
	var enqueuedAt int64
	if err := row.Scan(&item.ID, &item.SessionID, &item.Text, &priority,
		&item.RetryCount, &status, &enqueuedAt, &item.BreakerState); err != nil {
		return nil, err
	}
	item.Priority = Priority(priority)
	item.Status = Status(status)
	item.EnqueuedAt = time.Unix(0, enqueuedAt)
	return &item, nil
}
