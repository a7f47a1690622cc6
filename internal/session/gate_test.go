package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "mira/internal/errors"
)

func errsRetryFast() errs.RetryConfig {
	return errs.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// recordingMirror captures mirror calls for assertions.
type recordingMirror struct {
	mu       sync.Mutex
	messages []Message
	deleted  []string
	failSave int // number of SaveMessage calls to fail before succeeding
	attempts int
}

func (m *recordingMirror) SaveSession(ctx context.Context, session Session) error { return nil }

func (m *recordingMirror) SaveMessage(ctx context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failSave > 0 {
		m.failSave--
		return fmt.Errorf("write failed: database is locked")
	}
	m.messages = append(m.messages, message)
	return nil
}

func (m *recordingMirror) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, sessionID)
	return nil
}

func (m *recordingMirror) DeleteAll(ctx context.Context) error { return nil }

func (m *recordingMirror) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func TestConcurrentAddsAcrossSessions(t *testing.T) {
	t.Parallel()

	store := NewStore()
	gate := NewGate(store, nil, nil)
	ctx := context.Background()

	const sessions = 10
	const perSession = 10

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		for m := 0; m < perSession; m++ {
			wg.Add(1)
			go func(s, m int) {
				defer wg.Done()
				gate.AddMessage(ctx, fmt.Sprintf("session-%d", s), RoleUser, fmt.Sprintf("msg %d-%d", s, m), nil)
			}(s, m)
		}
	}
	wg.Wait()

	var total int64
	seen := make(map[string]bool)
	for s := 0; s < sessions; s++ {
		id := fmt.Sprintf("session-%d", s)
		history := gate.History(ctx, id)
		require.Len(t, history, perSession, "session %s", id)

		// No message lost or duplicated, timestamps non-decreasing.
		for i, msg := range history {
			require.False(t, seen[msg.ID], "duplicate message id")
			seen[msg.ID] = true
			if i > 0 {
				require.False(t, msg.Timestamp.Before(history[i-1].Timestamp))
			}
			total += msg.SizeBytes()
		}
	}

	// Global invariant: globalBytes equals the sum of session bytes once all
	// mutations complete.
	stats := gate.Stats()
	var sum int64
	for _, bytes := range stats.SessionBytes {
		sum += bytes
	}
	require.Equal(t, stats.GlobalBytes, sum)
	require.Equal(t, total, stats.GlobalBytes)
	require.Equal(t, sessions, stats.ActiveSessions)
}

func TestSameSessionOpsAreSerialized(t *testing.T) {
	t.Parallel()

	gate := NewGate(NewStore(), nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gate.AddMessage(ctx, "one", RoleUser, fmt.Sprintf("m%d", i), nil)
		}(i)
	}
	wg.Wait()

	require.Len(t, gate.History(ctx, "one"), 50)
}

func TestSessionCreatedOnFirstReference(t *testing.T) {
	t.Parallel()

	gate := NewGate(NewStore(), nil, nil)
	sess := gate.GetSession(context.Background(), "fresh")
	require.Equal(t, "fresh", sess.ID)
	require.Empty(t, sess.Messages)
	require.False(t, sess.CreatedAt.IsZero())
}

func TestClearSessionSettlesCounters(t *testing.T) {
	t.Parallel()

	store := NewStore()
	mirror := &recordingMirror{}
	gate := NewGate(store, mirror, nil)
	ctx := context.Background()

	gate.AddMessage(ctx, "a", RoleUser, "hello", nil)
	gate.AddMessage(ctx, "b", RoleUser, "world!", nil)
	require.Equal(t, int64(11), store.GlobalBytes())

	gate.ClearSession(ctx, "a")
	require.Equal(t, int64(6), store.GlobalBytes())

	stats := gate.Stats()
	require.NotContains(t, stats.SessionBytes, "a")
	require.Contains(t, mirror.deleted, "a")

	// Clearing an unknown session is a no-op.
	gate.ClearSession(ctx, "missing")
	require.Equal(t, int64(6), store.GlobalBytes())
}

func TestMirrorRetryAbsorbsTransientFailure(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{failSave: 2}
	gate := NewGate(NewStore(), mirror, nil)
	gate.retry.BaseDelay = time.Millisecond

	gate.AddMessage(context.Background(), "s", RoleUser, "persist me", nil)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	require.Len(t, mirror.messages, 1)
	require.Equal(t, 3, mirror.attempts)
}

func TestMirrorFailureLeavesMemoryAuthoritative(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{failSave: 100}
	gate := NewGate(NewStore(), mirror, nil)
	gate.retry = errsRetryFast()

	ctx := context.Background()
	gate.AddMessage(ctx, "s", RoleUser, "still here", nil)

	// The message survives in memory even though every mirror write failed.
	history := gate.History(ctx, "s")
	require.Len(t, history, 1)
	require.Equal(t, "still here", history[0].Content)
}

func TestCleanupOlderThan(t *testing.T) {
	t.Parallel()

	store := NewStore()
	gate := NewGate(store, nil, nil)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	gate.now = func() time.Time { return current }

	gate.AddMessage(ctx, "old-1", RoleUser, "a", nil)
	gate.AddMessage(ctx, "old-2", RoleUser, "bb", nil)

	current = base.Add(48 * time.Hour)
	gate.AddMessage(ctx, "recent", RoleUser, "ccc", nil)

	removed := gate.CleanupOlderThan(ctx, base.Add(24*time.Hour))
	require.Equal(t, 2, removed)

	stats := gate.Stats()
	require.Equal(t, 1, stats.ActiveSessions)
	require.Equal(t, int64(3), stats.GlobalBytes)
	require.Contains(t, stats.SessionBytes, "recent")
}

func TestHistoryReturnsCopy(t *testing.T) {
	t.Parallel()

	gate := NewGate(NewStore(), nil, nil)
	ctx := context.Background()

	gate.AddMessage(ctx, "s", RoleUser, "original", nil)
	history := gate.History(ctx, "s")
	history[0].Content = "mutated"

	require.Equal(t, "original", gate.History(ctx, "s")[0].Content)
}
