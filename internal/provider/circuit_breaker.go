package provider

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// CircuitBreaker implements the circuit breaker pattern to prevent
// cascading failures when a provider becomes unhealthy.
//
// State machine:
//   - Closed (normal): All requests pass. On failure, increment counter.
//     If counter >= threshold → Open.
//   - Open (tripped): All requests blocked.
//     After cooldown elapsed → Half-Open.
//   - Half-Open (testing): Admit exactly one in-flight probe.
//     If success → Closed (reset counter). If failure → Open (restart cooldown).
type CircuitBreaker struct {
	mu               sync.Mutex
	state            string
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	openedAt         time.Time
	probeInFlight    bool
}

// NewCircuitBreaker creates a new circuit breaker with the given threshold and cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     config.CircuitClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow returns true if a request should be allowed through the circuit breaker.
// In half-open state the first caller reserves the probe slot; everyone else
// sees the circuit as open until the probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case config.CircuitClosed:
		return true

	case config.CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			slog.Debug("circuit breaker transitioning to half-open",
				"consecutiveFails", cb.consecutiveFails,
				"cooldown", cb.cooldown,
			)
			cb.state = config.CircuitHalfOpen
			cb.probeInFlight = true
			return true
		}
		return false

	case config.CircuitHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call, resetting the circuit breaker to closed state.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state

	cb.consecutiveFails = 0
	cb.state = config.CircuitClosed
	cb.probeInFlight = false

	if previousState != config.CircuitClosed {
		slog.Info("circuit breaker closed after success",
			"previousState", previousState,
		)
	}
}

// RecordFailure records a failed call and may trip the circuit breaker to open state.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++

	if cb.state == config.CircuitHalfOpen {
		slog.Warn("circuit breaker reopened from half-open after failed probe",
			"consecutiveFails", cb.consecutiveFails,
		)
		cb.state = config.CircuitOpen
		cb.openedAt = time.Now()
		cb.probeInFlight = false
		return
	}

	if cb.state == config.CircuitClosed && cb.consecutiveFails >= cb.threshold {
		slog.Warn("circuit breaker tripped to open",
			"consecutiveFails", cb.consecutiveFails,
			"threshold", cb.threshold,
		)
		cb.state = config.CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current circuit state. An open circuit past its cooldown
// reports half-open so selection can schedule a probe.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == config.CircuitOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return config.CircuitHalfOpen
	}
	return cb.state
}

// ConsecutiveFailures returns the current failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// CircuitManager holds one breaker per (chain, provider), created lazily.
type CircuitManager struct {
	mu        sync.Mutex
	breakers  map[healthKey]*CircuitBreaker
	threshold int
	cooldown  time.Duration
}

// NewCircuitManager creates a circuit manager with the default thresholds.
func NewCircuitManager() *CircuitManager {
	return NewCircuitManagerWith(config.CircuitBreakerThreshold, config.CircuitBreakerCooldown)
}

// NewCircuitManagerWith creates a circuit manager with explicit thresholds.
func NewCircuitManagerWith(threshold int, cooldown time.Duration) *CircuitManager {
	return &CircuitManager{
		breakers:  make(map[healthKey]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Get returns the breaker for (chain, name), creating it on first use.
func (cm *CircuitManager) Get(chain models.Chain, name string) *CircuitBreaker {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := healthKey{chain: chain, name: name}
	cb, ok := cm.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(cm.threshold, cm.cooldown)
		cm.breakers[key] = cb
	}
	return cb
}

// States returns the current circuit state per provider for a chain.
func (cm *CircuitManager) States(chain models.Chain) map[string]string {
	cm.mu.Lock()
	breakers := make(map[string]*CircuitBreaker)
	for key, cb := range cm.breakers {
		if key.chain == chain {
			breakers[key.name] = cb
		}
	}
	cm.mu.Unlock()

	out := make(map[string]string, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.State()
	}
	return out
}
