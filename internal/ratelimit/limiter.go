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

// Package ratelimit throttles the controller's calls against the
// Kubernetes API (the pod patch/delete traffic the executor generates
// when many pods drain at once) and trips a circuit breaker when the
// API server starts failing those calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
)

// Config controls a Limiter's global and per-resource throughput and its
// circuit breaker.
type Config struct {
	QPS   float64
	Burst int

	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	PerResourceQPS   map[string]float64
	PerResourceBurst map[string]int

	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int

	EnableMetrics        bool
	EnableCircuitBreaker bool
}

// DefaultConfig uses the same QPS/burst values (20/30) as the configuration's
// default Kubernetes client settings; it does not read those settings, and
// they are not applied to the REST client.
func DefaultConfig() *Config {
	return &Config{
		QPS:                  20.0,
		Burst:                30,
		BaseDelay:            1 * time.Second,
		MaxDelay:             60 * time.Second,
		BackoffMultiplier:    2.0,
		PerResourceQPS:       make(map[string]float64),
		PerResourceBurst:     make(map[string]int),
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		HalfOpenRequests:     3,
		EnableMetrics:        true,
		EnableCircuitBreaker: true,
	}
}

// Limiter rate-limits and circuit-breaks calls against a named resource,
// in this controller "patch" and "delete", the two pod operations the
// executor throttles.
type Limiter struct {
	config *Config

	globalLimiter *rate.Limiter

	resourceLimiters map[string]*rate.Limiter
	limiterMutex     sync.RWMutex

	circuitBreaker *CircuitBreaker
	metrics        *Metrics

	workqueueLimiter workqueue.RateLimiter
}

// New creates a Limiter. A nil config uses DefaultConfig.
func New(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Limiter{
		config:           config,
		globalLimiter:    rate.NewLimiter(rate.Limit(config.QPS), config.Burst),
		resourceLimiters: make(map[string]*rate.Limiter),
	}

	if config.EnableCircuitBreaker {
		l.circuitBreaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: config.FailureThreshold,
			RecoveryTimeout:  config.RecoveryTimeout,
			HalfOpenRequests: config.HalfOpenRequests,
		})
	}

	if config.EnableMetrics {
		l.metrics = NewMetrics()
	}

	l.workqueueLimiter = workqueue.NewItemExponentialFailureRateLimiter(config.BaseDelay, config.MaxDelay)

	return l
}

// Wait blocks until the global limiter admits a request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitForResource(ctx, "")
}

// WaitForResource blocks until resource's limiter admits a request, unless
// the limiter's circuit breaker, shared by all resources, is open.
func (l *Limiter) WaitForResource(ctx context.Context, resource string) error {
	start := time.Now()

	if l.circuitBreaker != nil && !l.circuitBreaker.CanExecute() {
		if l.metrics != nil {
			l.metrics.RecordCircuitBreakerTrip(resource)
		}
		return fmt.Errorf("circuit breaker is open for resource: %s", resource)
	}

	limiter := l.getLimiterForResource(resource)
	err := limiter.Wait(ctx)

	if l.metrics != nil {
		l.metrics.RecordWait(resource, time.Since(start), err == nil)
	}

	return err
}

// Allow reports whether the global limiter would admit a request right now,
// without waiting.
func (l *Limiter) Allow() bool {
	return l.AllowForResource("")
}

// AllowForResource reports whether resource's limiter would admit a request
// right now, without waiting.
func (l *Limiter) AllowForResource(resource string) bool {
	if l.circuitBreaker != nil && !l.circuitBreaker.CanExecute() {
		if l.metrics != nil {
			l.metrics.RecordCircuitBreakerTrip(resource)
		}
		return false
	}

	allowed := l.getLimiterForResource(resource).Allow()
	if l.metrics != nil {
		l.metrics.RecordCheck(resource, allowed)
	}
	return allowed
}

// RecordSuccess reports a successful call against resource to the circuit
// breaker.
func (l *Limiter) RecordSuccess(resource string) {
	if l.circuitBreaker != nil {
		l.circuitBreaker.RecordSuccess()
	}
	if l.metrics != nil {
		l.metrics.RecordSuccess(resource)
	}
}

// RecordFailure reports a failed call against resource to the circuit
// breaker.
func (l *Limiter) RecordFailure(resource string, err error) {
	if l.circuitBreaker != nil {
		l.circuitBreaker.RecordFailure()
	}
	if l.metrics != nil {
		l.metrics.RecordFailure(resource)
	}
}

// WorkqueueRateLimiter returns a workqueue.RateLimiter using this Limiter's
// backoff configuration, for requeuing failed reconciles.
func (l *Limiter) WorkqueueRateLimiter() workqueue.RateLimiter {
	return l.workqueueLimiter
}

// CircuitBreakerState returns the circuit breaker's current state, or
// closed if the circuit breaker is disabled.
func (l *Limiter) CircuitBreakerState() CircuitBreakerState {
	if l.circuitBreaker == nil {
		return CircuitBreakerClosed
	}
	return l.circuitBreaker.State()
}

// Metrics returns the limiter's metrics collector, or nil if disabled.
func (l *Limiter) Metrics() *Metrics {
	return l.metrics
}

func (l *Limiter) getLimiterForResource(resource string) *rate.Limiter {
	if resource == "" {
		return l.globalLimiter
	}

	l.limiterMutex.RLock()
	if limiter, exists := l.resourceLimiters[resource]; exists {
		l.limiterMutex.RUnlock()
		return limiter
	}
	l.limiterMutex.RUnlock()

	l.limiterMutex.Lock()
	defer l.limiterMutex.Unlock()

	if limiter, exists := l.resourceLimiters[resource]; exists {
		return limiter
	}

	qps := l.config.QPS
	burst := l.config.Burst
	if resourceQPS, exists := l.config.PerResourceQPS[resource]; exists {
		qps = resourceQPS
	}
	if resourceBurst, exists := l.config.PerResourceBurst[resource]; exists {
		burst = resourceBurst
	}

	limiter := rate.NewLimiter(rate.Limit(qps), burst)
	l.resourceLimiters[resource] = limiter
	return limiter
}
