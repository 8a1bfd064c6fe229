package bus

import (
	"sync"
	"time"

	"github.com/aristath/streamgate/internal/metrics"
)

// CircuitState is one state in the breaker's CLOSED/OPEN/HALF_OPEN machine.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitBreaker guards the bus publisher against hammering an unhealthy
// broker: CLOSED -> OPEN after FailThreshold consecutive failures,
// OPEN -> HALF_OPEN after Recovery elapses, HALF_OPEN -> CLOSED after
// SuccessThreshold consecutive successes, or back to OPEN on any failure.
type CircuitBreaker struct {
	name          string
	failThreshold int
	recovery      time.Duration
	successNeeded int
	reg           *metrics.Registry

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
}

// NewCircuitBreaker creates a breaker starting CLOSED.
func NewCircuitBreaker(name string, failThreshold int, recovery time.Duration, successNeeded int, reg *metrics.Registry) *CircuitBreaker {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	if successNeeded <= 0 {
		successNeeded = 2
	}
	cb := &CircuitBreaker{
		name:          name,
		failThreshold: failThreshold,
		recovery:      recovery,
		successNeeded: successNeeded,
		reg:           reg,
		state:         StateClosed,
	}
	cb.reportState()
	return cb
}

// Allow reports whether a call may proceed, transitioning OPEN to
// HALF_OPEN once the recovery interval has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.recovery {
			cb.state = StateHalfOpen
			cb.consecutiveSuccess = 0
			cb.reportStateLocked()
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	switch cb.state {
	case StateHalfOpen:
		cb.consecutiveSuccess++
		if cb.consecutiveSuccess >= cb.successNeeded {
			cb.state = StateClosed
			cb.reportStateLocked()
		}
	case StateOpen:
		// Shouldn't happen (Allow gates calls), but stay consistent.
		cb.state = StateHalfOpen
		cb.consecutiveSuccess = 1
		cb.reportStateLocked()
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccess = 0
	switch cb.state {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.failThreshold {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.consecutiveFailures = 0
	cb.reportStateLocked()
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) reportState() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reportStateLocked()
}

func (cb *CircuitBreaker) reportStateLocked() {
	if cb.reg != nil {
		cb.reg.CircuitState.WithLabelValues(cb.name).Set(metrics.CircuitStateValue(string(cb.state)))
	}
}
