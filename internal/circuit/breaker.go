package circuit

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Trading permitted
	StateOpen   BreakerState = "open"   // Trading halted until reset or day rollover
)

// ResetCause says why an open breaker closed
type ResetCause string

const (
	ResetAdmin    ResetCause = "admin_reset"
	ResetRollover ResetCause = "day_rollover"
)

// CircuitBreaker is a per-user daily loss latch. Once tripped it stays open
// until an explicit reset; there is no timed half-open recovery.
type CircuitBreaker struct {
	mu        sync.RWMutex
	userID    string
	state     BreakerState
	reason    string
	trippedAt time.Time
	tripCount int
	onTrip    func(userID, reason string)
	onReset   func(userID string, cause ResetCause)
}

// NewCircuitBreaker creates a closed breaker for userID
func NewCircuitBreaker(userID string) *CircuitBreaker {
	return &CircuitBreaker{userID: userID, state: StateClosed}
}

// OnTrip sets callback for when breaker trips
func (cb *CircuitBreaker) OnTrip(handler func(userID, reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (cb *CircuitBreaker) OnReset(handler func(userID string, cause ResetCause)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Restore loads persisted state without firing callbacks
func (cb *CircuitBreaker) Restore(open bool, reason string, trippedAt time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if open {
		cb.state = StateOpen
		cb.reason = reason
		cb.trippedAt = trippedAt
		return
	}
	cb.state = StateClosed
	cb.reason = ""
	cb.trippedAt = time.Time{}
}

// Trip opens the breaker. It returns false if it was already open.
func (cb *CircuitBreaker) Trip(reason string, at time.Time) bool {
	cb.mu.Lock()
	if cb.state == StateOpen {
		cb.mu.Unlock()
		return false
	}
	cb.state = StateOpen
	cb.reason = reason
	cb.trippedAt = at
	cb.tripCount++
	handler := cb.onTrip
	cb.mu.Unlock()

	if handler != nil {
		handler(cb.userID, reason)
	}
	return true
}

// Reset closes the breaker. It returns false if it was already closed.
func (cb *CircuitBreaker) Reset(cause ResetCause) bool {
	cb.mu.Lock()
	if cb.state == StateClosed {
		cb.mu.Unlock()
		return false
	}
	cb.state = StateClosed
	cb.reason = ""
	cb.trippedAt = time.Time{}
	handler := cb.onReset
	cb.mu.Unlock()

	if handler != nil {
		handler(cb.userID, cause)
	}
	return true
}

// IsOpen reports whether trading is blocked
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reason returns why the breaker is open, or "" when closed
func (cb *CircuitBreaker) Reason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.reason
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]interface{}{
		"user_id":     cb.userID,
		"state":       string(cb.state),
		"trip_reason": cb.reason,
		"trip_count":  cb.tripCount,
	}
	if !cb.trippedAt.IsZero() {
		stats["tripped_at"] = cb.trippedAt
	}
	return stats
}
