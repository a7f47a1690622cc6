package errors

import (
	"context"
	"errors"
	"sync"
	"time"

	"mira/internal/logging"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - testing if the provider recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int                                      // Consecutive failures to open circuit (default: 5)
	SuccessThreshold int                                      // Consecutive successes in half-open to close circuit (default: 2)
	ResetTimeout     time.Duration                            // Time since opening before attempting half-open (default: 30s)
	OnStateChange    func(from, to CircuitState, name string) // Optional callback
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern around the external
// provider call. While open it fast-fails with CircuitOpenError; while
// half-open it admits a single probe at a time so concurrent callers cannot
// race past the success/failure bookkeeping.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	lastStateChange      time.Time
	probeInFlight        bool
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.NewComponentLogger("circuit-breaker"),
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// ExecuteFunc runs op under breaker protection. On rejection or operation
// failure the fallback is invoked and its result returned with usedFallback
// set; the breaker never raises an operation failure to the caller. The only
// error returned is the caller's own context cancellation, which counts as
// neither success nor failure.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, op func(ctx context.Context) (T, error), fallback func() T) (T, bool, error) {
	var zero T

	if err := cb.Allow(); err != nil {
		return fallback(), true, nil
	}

	result, err := op(ctx)
	if err == nil {
		cb.Mark(nil)
		return result, false, nil
	}

	if errors.Is(err, context.Canceled) {
		// A cancelled call counts as neither success nor failure.
		cb.markNeutral()
		return zero, false, err
	}

	// Timeouts map to the same failure path as any other provider error.
	cb.Mark(err)
	return fallback(), true, nil
}

// Allow checks whether a request can proceed under the circuit breaker.
// Callers that need to inspect responses use Allow/Mark instead of ExecuteFunc.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			cb.consecutiveSuccesses = 0
			cb.probeInFlight = true
			cb.logger.Info("[%s] Circuit breaker transitioning to half-open (testing recovery)", cb.name)
			return nil
		}
		return &CircuitOpenError{
			Name:    cb.name,
			RetryIn: cb.config.ResetTimeout - cb.now().Sub(cb.openedAt),
		}

	case StateHalfOpen:
		if cb.probeInFlight {
			// A probe is already evaluating recovery; reject so concurrent
			// calls cannot race the bookkeeping.
			return &CircuitOpenError{Name: cb.name}
		}
		cb.probeInFlight = true
		return nil

	default:
		return &CircuitOpenError{Name: cb.name}
	}
}

// Mark records a request outcome. Pass nil to mark success, or a non-nil
// error to record failure.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

// markNeutral releases the half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) markNeutral() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFailures = 0

	switch cb.state {
	case StateClosed:
		cb.consecutiveSuccesses++

	case StateHalfOpen:
		cb.consecutiveSuccesses++
		cb.logger.Debug("[%s] Success in half-open state (%d/%d)",
			cb.name, cb.consecutiveSuccesses, cb.config.SuccessThreshold)
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.logger.Info("[%s] Circuit breaker closed (provider recovered)", cb.name)
		}

	case StateOpen:
		cb.logger.Warn("[%s] Unexpected success in open state", cb.name)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		cb.logger.Debug("[%s] Failure in closed state (%d/%d)",
			cb.name, cb.consecutiveFailures, cb.config.FailureThreshold)
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.openCircuit()
			cb.logger.Warn("[%s] Circuit breaker opened (too many failures)", cb.name)
		}

	case StateHalfOpen:
		cb.openCircuit()
		cb.logger.Warn("[%s] Circuit breaker reopened (recovery test failed)", cb.name)

	case StateOpen:
		cb.logger.Debug("[%s] Failure while circuit open", cb.name)
	}
}

func (cb *CircuitBreaker) openCircuit() {
	cb.setState(StateOpen)
	cb.openedAt = cb.now()
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = cb.now()

	if cb.config.OnStateChange != nil {
		// Call in goroutine to avoid blocking under the breaker lock.
		go cb.config.OnStateChange(oldState, newState, cb.name)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		// Report the state the next call would observe.
		return StateHalfOpen
	}
	return cb.state
}

// CircuitBreakerSnapshot contains circuit breaker statistics.
type CircuitBreakerSnapshot struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"-"`
	StateName            string       `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             time.Time    `json:"opened_at,omitempty"`
	LastStateChange      time.Time    `json:"last_state_change"`
}

// Snapshot returns current circuit breaker statistics.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerSnapshot{
		Name:                 cb.name,
		State:                cb.state,
		StateName:            cb.state.String(),
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		OpenedAt:             cb.openedAt,
		LastStateChange:      cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.probeInFlight = false
	cb.lastStateChange = cb.now()

	cb.logger.Info("[%s] Circuit breaker manually reset from %s to closed", cb.name, oldState)
}
