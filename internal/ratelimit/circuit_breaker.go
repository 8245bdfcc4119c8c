/*
Copyright 2024 The Pod Graceful Drain Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ratelimit

import (
	"sync"
	"time"
)

// CircuitBreakerState is one of the three classic circuit breaker states.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls when a CircuitBreaker trips open and how it
// probes for recovery.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// CircuitBreaker stops admitting calls once FailureThreshold failures have
// been recorded in a row (one count shared by every caller, not kept per
// resource), then lets a handful of probe calls
// through after RecoveryTimeout to decide whether to close again.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state            CircuitBreakerState
	failures         int
	lastFailureTime  time.Time
	halfOpenRequests int

	mutex sync.RWMutex
}

// NewCircuitBreaker creates a CircuitBreaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: CircuitBreakerClosed}
}

// CanExecute reports whether a call should be allowed through right now.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	switch cb.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.mutex.RUnlock()
			cb.mutex.Lock()
			cb.state = CircuitBreakerHalfOpen
			cb.halfOpenRequests = 0
			cb.mutex.Unlock()
			cb.mutex.RLock()
			return true
		}
		return false
	case CircuitBreakerHalfOpen:
		return cb.halfOpenRequests < cb.config.HalfOpenRequests
	default:
		return false
	}
}

// RecordSuccess reports a successful call, closing the breaker once enough
// half-open probes have succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case CircuitBreakerHalfOpen:
		cb.halfOpenRequests++
		if cb.halfOpenRequests >= cb.config.HalfOpenRequests {
			cb.state = CircuitBreakerClosed
			cb.failures = 0
		}
	case CircuitBreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure reports a failed call, tripping the breaker open once
// FailureThreshold consecutive failures accumulate, or immediately if a
// half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitBreakerClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitBreakerOpen
		}
	case CircuitBreakerHalfOpen:
		cb.state = CircuitBreakerOpen
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}
