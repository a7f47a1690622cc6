package errors

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	t.Helper()
	cb := NewCircuitBreaker("provider", cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func failingOp(ctx context.Context) (string, error) {
	return "", fmt.Errorf("provider unavailable")
}

func succeedingOp(ctx context.Context) (string, error) {
	return "ok", nil
}

func fallback() string { return "fallback" }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, usedFallback, err := ExecuteFunc(cb, ctx, failingOp, fallback)
		require.NoError(t, err)
		require.True(t, usedFallback)
		require.Equal(t, "fallback", out)
	}
	require.Equal(t, StateOpen, cb.State())

	// While open, the wrapped operation must not be invoked.
	invoked := false
	out, usedFallback, err := ExecuteFunc(cb, ctx, func(ctx context.Context) (string, error) {
		invoked = true
		return "", nil
	}, fallback)
	require.NoError(t, err)
	require.True(t, usedFallback)
	require.Equal(t, "fallback", out)
	require.False(t, invoked)
}

func TestBreakerRecoveryCycle(t *testing.T) {
	t.Parallel()

	cb, now := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 3, ResetTimeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := ExecuteFunc(cb, ctx, failingOp, fallback)
		require.NoError(t, err)
	}
	require.Equal(t, StateOpen, cb.State())

	// Before the reset timeout the circuit stays open.
	*now = now.Add(29 * time.Second)
	require.Equal(t, StateOpen, cb.State())

	// After the timeout the next call probes in half-open.
	*now = now.Add(2 * time.Second)
	out, usedFallback, err := ExecuteFunc(cb, ctx, succeedingOp, fallback)
	require.NoError(t, err)
	require.False(t, usedFallback)
	require.Equal(t, "ok", out)
	require.Equal(t, StateHalfOpen, cb.State())

	// SuccessThreshold-1 more successes close the circuit.
	for i := 0; i < 2; i++ {
		_, usedFallback, err := ExecuteFunc(cb, ctx, succeedingOp, fallback)
		require.NoError(t, err)
		require.False(t, usedFallback)
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb, now := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Second})
	ctx := context.Background()

	_, _, err := ExecuteFunc(cb, ctx, failingOp, fallback)
	require.NoError(t, err)
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(2 * time.Second)
	_, usedFallback, err := ExecuteFunc(cb, ctx, failingOp, fallback)
	require.NoError(t, err)
	require.True(t, usedFallback)
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenSingleFlight(t *testing.T) {
	t.Parallel()

	cb, now := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second})

	cb.Mark(fmt.Errorf("boom"))
	require.Equal(t, StateOpen, cb.Snapshot().State)

	*now = now.Add(2 * time.Second)

	// First caller is admitted as the probe.
	require.NoError(t, cb.Allow())
	// Concurrent callers are rejected until the probe reports back.
	err := cb.Allow()
	require.Error(t, err)
	require.True(t, IsCircuitOpen(err))

	cb.Mark(nil)
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerCancelledCallIsNeutral(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	_, usedFallback, err := ExecuteFunc(cb, ctx, func(ctx context.Context) (string, error) {
		cancel()
		return "", context.Canceled
	}, fallback)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, usedFallback)

	// The cancelled call must count as neither success nor failure.
	snap := cb.Snapshot()
	require.Equal(t, StateClosed, snap.State)
	require.Zero(t, snap.ConsecutiveFailures)
	require.Zero(t, snap.ConsecutiveSuccesses)
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	_, usedFallback, err := ExecuteFunc(cb, context.Background(), func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	}, fallback)
	require.NoError(t, err)
	require.True(t, usedFallback)
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerConcurrentMarksAreSafe(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, CircuitBreakerConfig{FailureThreshold: 100, SuccessThreshold: 2, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.Mark(nil)
			} else {
				cb.Mark(fmt.Errorf("fail %d", i))
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, StateClosed, cb.State())
}
