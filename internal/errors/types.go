// Package errors defines the error taxonomy of the core and the circuit
// breaker that guards the external text-generation provider.
//
// Only SensitiveContentError and QueueFullError are meant to reach the UI
// layer; persistence and circuit-open conditions are absorbed internally with
// best-effort continuation. None of these errors carry raw message content.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// SensitiveContentError reports a strict-mode redaction failure. It carries
// only the length of the offending text and the categories that matched, never
// the text itself.
type SensitiveContentError struct {
	Categories []string
	TextLength int
}

func (e *SensitiveContentError) Error() string {
	return fmt.Sprintf("sensitive content detected (length=%d, categories=%s)",
		e.TextLength, strings.Join(e.Categories, ","))
}

// NewSensitiveContentError constructs a SensitiveContentError.
func NewSensitiveContentError(categories []string, textLength int) *SensitiveContentError {
	return &SensitiveContentError{Categories: categories, TextLength: textLength}
}

// IsSensitiveContent reports whether err is a strict-mode redaction failure.
func IsSensitiveContent(err error) bool {
	var sce *SensitiveContentError
	return errors.As(err, &sce)
}

// PersistenceError wraps a durable-store I/O failure. Persistence errors are
// retryable a small fixed number of times; after that the in-memory state is
// treated as authoritative and the adapter is marked degraded.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError constructs a PersistenceError for the named operation.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is a durable-store failure.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// QueueFullError reports that the offline queue rejected an enqueue because
// its size bound was reached. This is explicit backpressure and must be
// surfaced to the caller rather than silently dropped.
type QueueFullError struct {
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("offline queue full (limit=%d)", e.Limit)
}

// IsQueueFull reports whether err is queue backpressure.
func IsQueueFull(err error) bool {
	var qfe *QueueFullError
	return errors.As(err, &qfe)
}

// CircuitOpenError reports that a call was short-circuited by an open breaker.
// Callers always resolve it through the supplied fallback; it is never
// surfaced as an unhandled error.
type CircuitOpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry in %v)", e.Name, e.RetryIn.Round(time.Millisecond))
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// IsTransient reports whether err is worth retrying. Persistence failures and
// network-level errors are transient; everything else is treated as permanent
// to avoid retry loops.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsPersistence(err) {
		return true
	}

	// Breaker rejections resolve via fallback, not retry.
	if IsCircuitOpen(err) || IsSensitiveContent(err) || IsQueueFull(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"deadline exceeded",
		"broken pipe",
		"temporarily unavailable",
		"database is locked",
	} {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}
