// Package sqlitestore is the durable mirror for sessions and messages. It
// uses the pure-Go SQLite driver, performs every logical operation in a single
// transaction, and encrypts message content at rest. The encryption key comes
// from an external KeyProvider collaborator and is obtained once at Open.
package sqlitestore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	errs "mira/internal/errors"
	"mira/internal/logging"
	"mira/internal/session"
)

// KeyProvider supplies the at-rest encryption key. Key management itself is
// out of scope for the core; the provider is queried exactly once.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    start_time INTEGER NOT NULL,
    last_activity_time INTEGER NOT NULL,
    metadata TEXT
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    content BLOB NOT NULL,
    role TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages (session_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages (timestamp);
`

// Store is a SQLite-backed session/message store implementing session.Mirror.
type Store struct {
	db       *sql.DB
	aead     cipher.AEAD
	logger   logging.Logger
	degraded atomic.Bool
}

var _ session.Mirror = (*Store)(nil)

// Open opens (creating if needed) the database at path and prepares the
// schema and cipher.
func Open(ctx context.Context, path string, keys KeyProvider) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The pure-Go driver serializes best with a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	key, err := keys.Key(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("obtain encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	return &Store{
		db:     db,
		aead:   aead,
		logger: logging.NewComponentLogger("sqlite-store"),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Degraded reports whether the most recent write failed. The in-memory state
// is authoritative while the store is degraded.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// SaveSession upserts the session row.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, start_time, last_activity_time, metadata)
VALUES (?, ?, ?, NULL)
ON CONFLICT(id) DO UPDATE SET last_activity_time = excluded.last_activity_time`,
		sess.ID, sess.CreatedAt.UnixNano(), sess.LastActivityAt.UnixNano())
	return s.settle("save-session", err)
}

// SaveMessage inserts the message and bumps the session's activity timestamp
// in one transaction, creating the session row if the mirror has not seen it.
func (s *Store) SaveMessage(ctx context.Context, message session.Message) error {
	content, err := s.seal([]byte(message.Content))
	if err != nil {
		return s.settle("save-message", err)
	}
	metadata, err := encodeMetadata(message.Metadata)
	if err != nil {
		return s.settle("save-message", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.settle("save-message", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := message.Timestamp.UnixNano()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, start_time, last_activity_time, metadata)
VALUES (?, ?, ?, NULL)
ON CONFLICT(id) DO UPDATE SET last_activity_time = excluded.last_activity_time`,
		message.SessionID, ts, ts); err != nil {
		return s.settle("save-message", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, session_id, content, role, timestamp, metadata)
VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, content, string(message.Role), ts, metadata); err != nil {
		return s.settle("save-message", err)
	}

	return s.settle("save-message", tx.Commit())
}

// DeleteSession removes the session row; messages cascade.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	return s.settle("delete-session", err)
}

// DeleteAll wipes both tables.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions")
	return s.settle("delete-all", err)
}

// DeleteBefore removes sessions whose last activity is older than cutoff,
// cascading to their messages, and returns the count removed.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE last_activity_time < ?", cutoff.UnixNano())
	if err != nil {
		return 0, s.settle("delete-before", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, s.settle("delete-before", err)
	}
	_ = s.settle("delete-before", nil)
	return int(removed), nil
}

// LoadSession reads a session and its decrypted messages in chronological
// order. Returns sql.ErrNoRows when the session is unknown.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var sess session.Session
	var start, lastActivity int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, start_time, last_activity_time FROM sessions WHERE id = ?", sessionID).
		Scan(&sess.ID, &start, &lastActivity)
	if err != nil {
		return session.Session{}, err
	}
	sess.CreatedAt = time.Unix(0, start)
	sess.LastActivityAt = time.Unix(0, lastActivity)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, content, role, timestamp, metadata
FROM messages WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg session.Message
		var content []byte
		var ts int64
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &content, &msg.Role, &ts, &metadata); err != nil {
			return session.Session{}, err
		}
		plain, err := s.open(content)
		if err != nil {
			return session.Session{}, fmt.Errorf("decrypt message %s: %w", msg.ID, err)
		}
		msg.Content = string(plain)
		msg.Timestamp = time.Unix(0, ts)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return session.Session{}, fmt.Errorf("decode metadata for message %s: %w", msg.ID, err)
			}
		}
		sess.Messages = append(sess.Messages, msg)
		sess.Bytes += msg.SizeBytes()
	}
	if err := rows.Err(); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// SessionIDs lists all persisted session ids.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM sessions ORDER BY last_activity_time DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// settle tracks the degraded flag and wraps failures as persistence errors so
// the gate's bounded retry recognizes them as transient. Only the operation
// name travels in the error, never content.
func (s *Store) settle(op string, err error) error {
	if err == nil {
		s.degraded.Store(false)
		return nil
	}
	s.degraded.Store(true)
	return errs.NewPersistenceError(op, err)
}

// seal encrypts plaintext as nonce||ciphertext.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a nonce||ciphertext payload.
func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

func encodeMetadata(metadata session.Metadata) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
