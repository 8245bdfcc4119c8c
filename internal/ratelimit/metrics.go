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

// resourceMetrics holds the per-resource counters behind Metrics.
type resourceMetrics struct {
	Waits           int64
	WaitTime        time.Duration
	AllowedRequests int64
	DeniedRequests  int64
	Successes       int64
	Failures        int64
}

// Metrics tracks a Limiter's activity, aggregated globally and per
// resource, for diagnostics rather than Prometheus export (see
// internal/metrics for the scraped counters).
type Metrics struct {
	totalWaits      int64
	totalWaitTime   time.Duration
	allowedRequests int64
	deniedRequests  int64

	circuitBreakerTrips int64
	operationSuccesses  int64
	operationFailures   int64

	resourceMetrics map[string]*resourceMetrics

	mutex sync.RWMutex
}

// NewMetrics creates an empty Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{resourceMetrics: make(map[string]*resourceMetrics)}
}

func (m *Metrics) resourceFor(resource string) *resourceMetrics {
	if resource == "" {
		return nil
	}
	if _, exists := m.resourceMetrics[resource]; !exists {
		m.resourceMetrics[resource] = &resourceMetrics{}
	}
	return m.resourceMetrics[resource]
}

// RecordWait records a completed rate-limit wait.
func (m *Metrics) RecordWait(resource string, duration time.Duration, admitted bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.totalWaits++
	m.totalWaitTime += duration
	if admitted {
		m.allowedRequests++
	} else {
		m.deniedRequests++
	}

	if rm := m.resourceFor(resource); rm != nil {
		rm.Waits++
		rm.WaitTime += duration
		if admitted {
			rm.AllowedRequests++
		} else {
			rm.DeniedRequests++
		}
	}
}

// RecordCheck records a non-blocking Allow/AllowForResource check.
func (m *Metrics) RecordCheck(resource string, allowed bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if allowed {
		m.allowedRequests++
	} else {
		m.deniedRequests++
	}

	if rm := m.resourceFor(resource); rm != nil {
		if allowed {
			rm.AllowedRequests++
		} else {
			rm.DeniedRequests++
		}
	}
}

// RecordCircuitBreakerTrip records a call rejected by an open circuit
// breaker.
func (m *Metrics) RecordCircuitBreakerTrip(resource string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.circuitBreakerTrips++
}

// RecordSuccess records a successful downstream call.
func (m *Metrics) RecordSuccess(resource string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.operationSuccesses++
	if rm := m.resourceFor(resource); rm != nil {
		rm.Successes++
	}
}

// RecordFailure records a failed downstream call.
func (m *Metrics) RecordFailure(resource string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.operationFailures++
	if rm := m.resourceFor(resource); rm != nil {
		rm.Failures++
	}
}

// Summary returns a snapshot of the aggregate counters.
func (m *Metrics) Summary() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	summary := map[string]interface{}{
		"total_waits":           m.totalWaits,
		"total_wait_time_ms":    m.totalWaitTime.Milliseconds(),
		"allowed_requests":      m.allowedRequests,
		"denied_requests":       m.deniedRequests,
		"circuit_breaker_trips": m.circuitBreakerTrips,
		"operation_successes":  m.operationSuccesses,
		"operation_failures":   m.operationFailures,
	}

	if m.totalWaits > 0 {
		summary["average_wait_time_ms"] = float64(m.totalWaitTime.Milliseconds()) / float64(m.totalWaits)
	}

	totalOps := m.operationSuccesses + m.operationFailures
	if totalOps > 0 {
		summary["success_rate"] = float64(m.operationSuccesses) / float64(totalOps)
	}

	return summary
}
