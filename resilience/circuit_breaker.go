// Package resilience provides the circuit breaker and retry primitives
// used around external calls: approver resolution against directories and
// provisioning callbacks.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
)

// CircuitState represents the breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures failure detection and recovery.
type CircuitBreakerConfig struct {
	// Name labels metrics and log lines.
	Name string
	// FailureThreshold consecutive failures within FailureWindow open
	// the circuit.
	FailureThreshold int
	// FailureWindow bounds how far back consecutive failures count.
	FailureWindow time.Duration
	// RecoveryTimeout is how long the circuit stays open before a
	// half-open probe is allowed.
	RecoveryTimeout time.Duration
	// HalfOpenSuccesses closes the circuit after this many consecutive
	// probe successes.
	HalfOpenSuccesses int

	Logger core.Logger
}

// DefaultCircuitBreakerConfig matches the resolver defaults: open after
// 5 consecutive failures within 30s, half-open after 60s.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		FailureWindow:     30 * time.Second,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// CircuitBreaker protects a dependency with closed/open/half-open states.
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger
	clock  func() time.Time

	mu                sync.Mutex
	state             CircuitState
	consecutiveFails  int
	firstFailureAt    time.Time
	openedAt          time.Time
	halfOpenSuccesses int
}

// NewCircuitBreaker creates a breaker from the config, filling defaults
// for zero values.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 30 * time.Second
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		clock:  time.Now,
		state:  StateClosed,
	}
}

// SetClock overrides the time source for tests.
func (cb *CircuitBreaker) SetClock(clock func() time.Time) {
	cb.mu.Lock()
	cb.clock = clock
	cb.mu.Unlock()
}

// CanExecute reports whether a call may proceed, transitioning an expired
// open circuit to half-open.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.clock().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.consecutiveFails = 0
	}
}

// RecordFailure notes a failed call, opening the circuit when the
// consecutive-failure threshold is hit inside the failure window.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.openedAt = now
	case StateClosed:
		if cb.consecutiveFails == 0 || now.Sub(cb.firstFailureAt) > cb.config.FailureWindow {
			cb.consecutiveFails = 0
			cb.firstFailureAt = now
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
			cb.openedAt = now
		}
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.consecutiveFails = 0
	cb.halfOpenSuccesses = 0

	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"breaker": cb.config.Name,
		"from":    from.String(),
		"to":      to.String(),
	})
	telemetry.Counter("circuit_breaker.transitions.total",
		"breaker", cb.config.Name,
		"from", from.String(),
		"to", to.String())
}

// State returns the current state, applying recovery-timeout expiry.
func (cb *CircuitBreaker) State() CircuitState {
	cb.CanExecute()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn through the breaker with an optional per-call timeout.
// Returns core.ErrCircuitBreakerOpen without calling fn when the circuit
// is open; returns core.ErrTimeout when the deadline elapses first.
func (cb *CircuitBreaker) Execute(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if !cb.CanExecute() {
		telemetry.Counter("circuit_breaker.rejected.total", "breaker", cb.config.Name)
		return core.NewError("resilience.Execute", core.CodeTimeout, core.ErrCircuitBreakerOpen)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		if err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	case <-callCtx.Done():
		cb.RecordFailure()
		if ctx.Err() != nil {
			return core.NewError("resilience.Execute", core.CodeTimeout, core.ErrContextCanceled)
		}
		return core.NewError("resilience.Execute", core.CodeTimeout, core.ErrTimeout)
	}
}
