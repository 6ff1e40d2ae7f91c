// Package resilience provides the circuit breaker and retry primitives
// used around external collaborators (notifier webhooks, Redis, worker
// side effects).
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atlasops/atlas/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited probe requests
	StateHalfOpen
)

// String returns the string representation of the state
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

// ErrorClassifier determines which errors count toward the failure
// threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. Validation,
// not-found and context cancellation are caller problems; tripping the
// breaker on them would block healthy traffic.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) || core.IsNotFound(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the consecutive classified failures before
	// opening.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half-open;
	// all must succeed to close.
	HalfOpenRequests int

	// ErrorClassifier decides which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for state transitions.
	Logger core.Logger
}

// DefaultConfig returns a production-ready default configuration.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 3,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker implements core.CircuitBreaker with three states.
// Consecutive classified failures open the circuit; after the recovery
// timeout a bounded set of probes decides between closing and re-opening.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                sync.Mutex
	state             CircuitState
	failures          int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	totalExecutions    uint64
	rejectedExecutions uint64
}

// NewCircuitBreaker creates a breaker from config. Nil or partial configs
// get defaults.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 3
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn under breaker protection. An open circuit rejects
// immediately with ErrCircuitBreakerOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.acquire() {
		return core.NewAtlasError("circuit_breaker.Execute", "resilience", core.ErrCircuitBreakerOpen)
	}

	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithTimeout runs fn with breaker protection and a deadline. The
// function runs on its own goroutine; on timeout the result is discarded
// and recorded as a failure.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if !cb.acquire() {
		return core.NewAtlasError("circuit_breaker.ExecuteWithTimeout", "resilience", core.ErrCircuitBreakerOpen)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.record(err)
		return err
	case <-runCtx.Done():
		err := core.NewAtlasError("circuit_breaker.ExecuteWithTimeout", "resilience", core.ErrTimeout)
		cb.record(err)
		return err
	}
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState().String()
}

// CanExecute reports whether a call would be allowed right now, without
// consuming a half-open probe slot.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenInFlight < cb.config.HalfOpenRequests
	default:
		return false
	}
}

// Reset forces the breaker back to closed and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
}

// Stats reports execution counters for observability.
func (cb *CircuitBreaker) Stats() (total, rejected uint64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totalExecutions, cb.rejectedExecutions
}

// currentState applies the open-to-half-open clock transition. Callers
// hold the lock.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
	}
	return cb.state
}

// acquire admits one execution, consuming a probe slot in half-open.
func (cb *CircuitBreaker) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		cb.totalExecutions++
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
			cb.rejectedExecutions++
			return false
		}
		cb.halfOpenInFlight++
		cb.totalExecutions++
		return true
	default:
		cb.rejectedExecutions++
		return false
	}
}

// record applies the outcome of one admitted execution.
func (cb *CircuitBreaker) record(err error) {
	failed := err != nil && cb.config.ErrorClassifier(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if failed {
			// One failed probe re-opens immediately.
			cb.transition(StateOpen)
			cb.openedAt = time.Now()
			cb.failures = cb.config.FailureThreshold
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenRequests {
			cb.transition(StateClosed)
			cb.failures = 0
		}
	default:
		if failed {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.transition(StateOpen)
				cb.openedAt = time.Now()
			}
			return
		}
		cb.failures = 0
	}
}

// RecordSuccess feeds an externally-observed success. Used when the call
// site cannot be wrapped in Execute.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(nil) }

// RecordFailure feeds an externally-observed failure.
func (cb *CircuitBreaker) RecordFailure() { cb.record(core.ErrWorkerFailed) }

// transition switches state and logs the edge. Callers hold the lock.
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.config.Logger.Info("Circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}
