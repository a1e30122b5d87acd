/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"sync"
	"time"

	"github.com/acronis/go-flowcontrol/log"
)

// CircuitBreakerStatus is a snapshot of the circuit breaker state.
type CircuitBreakerStatus struct {
	ConsecutiveFailures int `json:"consecutiveFailures"`

	// LastFailureTime is zero if no failure has been recorded yet.
	LastFailureTime time.Time `json:"lastFailureTime"`

	IsOpen bool `json:"isOpen"`
}

// CircuitBreaker counts consecutive processing failures.
// It is open while the count is at or above the threshold and the last failure is younger than the timeout.
// The first evaluation after the timeout closes it and resets the count (there is no half-open probing).
type CircuitBreaker struct {
	mu                  sync.Mutex
	threshold           int
	timeout             time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	open                bool
	logger              log.FieldLogger
}

// NewCircuitBreaker creates a new CircuitBreaker.
func NewCircuitBreaker(threshold int, timeout time.Duration, logger log.FieldLogger) *CircuitBreaker {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &CircuitBreaker{threshold: threshold, timeout: timeout, logger: logger}
}

// RecordFailure registers a processing failure that happened at now.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = now
	if !cb.open && cb.consecutiveFailures >= cb.threshold {
		cb.open = true
		cb.logger.Warn("circuit breaker opened",
			log.Int("consecutive_failures", cb.consecutiveFailures), log.Duration("timeout", cb.timeout))
	}
}

// RecordSuccess registers a successful processing and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.open {
		cb.open = false
		cb.logger.Info("circuit breaker closed after successful processing")
	}
}

// IsOpen reports whether the breaker rejects work at now.
func (cb *CircuitBreaker) IsOpen(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.evaluate(now)
}

// Status returns the breaker status evaluated at now.
func (cb *CircuitBreaker) Status(now time.Time) CircuitBreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	isOpen := cb.evaluate(now)
	return CircuitBreakerStatus{
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureTime:     cb.lastFailureTime,
		IsOpen:              isOpen,
	}
}

// Reconfigure changes the threshold and the timeout. The failure count is kept.
func (cb *CircuitBreaker) Reconfigure(threshold int, timeout time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.threshold = threshold
	cb.timeout = timeout
}

// Reset closes the breaker and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.lastFailureTime = time.Time{}
	cb.open = false
}

// evaluate must be called with mu held.
func (cb *CircuitBreaker) evaluate(now time.Time) bool {
	if cb.consecutiveFailures < cb.threshold {
		cb.open = false
		return false
	}
	if now.Sub(cb.lastFailureTime) < cb.timeout {
		cb.open = true
		return true
	}
	cb.consecutiveFailures = 0
	if cb.open {
		cb.open = false
		cb.logger.Info("circuit breaker closed after timeout", log.Duration("timeout", cb.timeout))
	}
	return false
}
