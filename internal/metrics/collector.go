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

// Package metrics provides the controller's Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	planTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pod_graceful_drain_plans_total",
			Help: "Total number of plans computed by the decision engine, by kind",
		},
		[]string{"kind"},
	)

	admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pod_graceful_drain_admission_requests_total",
			Help: "Total number of admission requests handled, by operation and result",
		},
		[]string{"operation", "result"},
	)

	mutatorRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pod_graceful_drain_mutator_conflicts_total",
			Help: "Total number of optimistic-lock conflicts retried while patching a pod",
		},
		[]string{},
	)

	delayedTaskFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pod_graceful_drain_delayed_tasks_total",
			Help: "Total number of delayed tasks that fired, by whether they were interrupted",
		},
		[]string{"interrupted"},
	)

	delayedTasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pod_graceful_drain_delayed_tasks_in_flight",
			Help: "Current number of delayed tasks scheduled but not yet finished",
		},
	)

	leaderElectionStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pod_graceful_drain_leader_election_status",
			Help: "1 if this instance currently holds leadership, 0 otherwise",
		},
	)
)

// Collector owns the process's metric state beyond what the raw Prometheus
// vectors track on their own (currently just a timestamp of last activity,
// read through LastUpdate).
type Collector struct {
	mu         sync.RWMutex
	lastUpdate time.Time
}

// NewCollector initializes every labelled series at zero so it appears in
// scrape output as soon as the vectors are registered (RegisterMetrics does
// the registering), and returns a Collector ready to record against them.
func NewCollector() *Collector {
	initializeMetrics()
	return &Collector{lastUpdate: time.Now()}
}

func initializeMetrics() {
	for _, kind := range []string{"pass", "isolate", "reentry_async_deny", "reentry_sleep_then_allow"} {
		planTotal.WithLabelValues(kind).Add(0)
	}
	for _, result := range []string{"allow", "deny", "patch", "error"} {
		admissionTotal.WithLabelValues("delete", result).Add(0)
		admissionTotal.WithLabelValues("evict", result).Add(0)
	}
	delayedTaskFires.WithLabelValues("true").Add(0)
	delayedTaskFires.WithLabelValues("false").Add(0)
}

// RegisterMetrics registers every collector metric with registry. A nil
// registry falls back to controller-runtime's global registry.
func RegisterMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = ctrlmetrics.Registry
	}
	for _, collector := range []prometheus.Collector{
		planTotal, admissionTotal, mutatorRetries, delayedTaskFires,
		delayedTasksInFlight, leaderElectionStatus,
	} {
		_ = registry.Register(collector)
	}
}

// RecordPlan records one decision-engine plan outcome.
func (c *Collector) RecordPlan(kind string) {
	c.touch()
	planTotal.WithLabelValues(kind).Inc()
}

// RecordAdmission records one webhook admission response.
func (c *Collector) RecordAdmission(operation, result string) {
	c.touch()
	admissionTotal.WithLabelValues(operation, result).Inc()
}

// RecordMutatorConflict records one optimistic-lock retry in the pod mutator.
func (c *Collector) RecordMutatorConflict() {
	c.touch()
	mutatorRetries.WithLabelValues().Inc()
}

// RecordDelayedTaskFire records one delayed task completing, noting whether
// it was interrupted by shutdown.
func (c *Collector) RecordDelayedTaskFire(interrupted bool) {
	c.touch()
	delayedTaskFires.WithLabelValues(boolLabel(interrupted)).Inc()
}

// SetDelayedTasksInFlight reports the delayer's current outstanding task
// count.
func (c *Collector) SetDelayedTasksInFlight(n int) {
	delayedTasksInFlight.Set(float64(n))
}

// SetLeaderElectionStatus reports whether this instance currently holds
// leadership.
func (c *Collector) SetLeaderElectionStatus(isLeader bool) {
	if isLeader {
		leaderElectionStatus.Set(1)
	} else {
		leaderElectionStatus.Set(0)
	}
}

// LastUpdate returns when a metric was last recorded.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

func (c *Collector) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdate = time.Now()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
