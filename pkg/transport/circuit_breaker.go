package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of requests to test recovery
	StateHalfOpen
)

// CircuitBreaker implements the circuit breaker pattern for HTTP requests to
// an org that is failing hard, so a broken instance is not hammered.
type CircuitBreaker struct {
	config *Config
	logger *zap.Logger

	state         int32
	nextRetryTime time.Time

	consecutiveFailures  int32
	consecutiveSuccesses int32

	mu sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(config *Config, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  int32(StateClosed),
	}
}

// Allow determines if a request should proceed under the current state.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitState(atomic.LoadInt32(&cb.state)) {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if time.Now().After(cb.nextRetryTime) {
			atomic.StoreInt32(&cb.state, int32(StateHalfOpen))
			atomic.StoreInt32(&cb.consecutiveSuccesses, 0)
			cb.logger.Info("circuit breaker half-open")
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a successful request, closing the breaker once enough
// consecutive successes accumulate in the half-open state.
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt32(&cb.consecutiveFailures, 0)

	if CircuitState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		if atomic.AddInt32(&cb.consecutiveSuccesses, 1) >= int32(cb.config.SuccessThreshold) {
			atomic.StoreInt32(&cb.state, int32(StateClosed))
			cb.logger.Info("circuit breaker closed")
		}
	}
}

// RecordFailure records a failed request, opening the breaker once the
// failure threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	failures := atomic.AddInt32(&cb.consecutiveFailures, 1)

	state := CircuitState(atomic.LoadInt32(&cb.state))
	if state == StateHalfOpen || (state == StateClosed && failures >= int32(cb.config.FailureThreshold)) {
		cb.mu.Lock()
		cb.nextRetryTime = time.Now().Add(cb.config.OpenTimeout)
		cb.mu.Unlock()
		atomic.StoreInt32(&cb.state, int32(StateOpen))
		cb.logger.Warn("circuit breaker open",
			zap.Int32("consecutive_failures", failures))
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt32(&cb.state))
}
