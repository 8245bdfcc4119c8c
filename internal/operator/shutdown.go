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

package operator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
)

// ShutdownConfig controls how long RunUntilSignal waits for the manager to
// stop on its own before giving up.
type ShutdownConfig struct {
	// Signals that trigger a shutdown.
	Signals []os.Signal
	// ForceTimeout bounds how long RunUntilSignal waits for Operator.Start
	// to return once a shutdown signal fires, before returning anyway.
	// PlanExecutor.Start, on the elected replica, waits up to
	// max(DrainConfig.GetDrainDuration(), 30s) plus a 10s cleanup for
	// pending delayed tasks; ForceTimeout is counted independently of that
	// and, with the defaults (90s against a 90s drain), can end the wait
	// first.
	ForceTimeout time.Duration
}

// DefaultShutdownConfig returns the production shutdown configuration.
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		Signals:      []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		ForceTimeout: 90 * time.Second,
	}
}

// RunUntilSignal starts the operator and blocks until one of cfg's signals
// arrives, then cancels the manager's context and waits for Start to
// return, either because the delayer finished draining or because
// ForceTimeout elapsed first.
//
// This collapses the two phases that matter for this controller: run, then
// drain. There is no separate "pre-shutdown" or "post-shutdown" hook phase
// because nothing in this domain needs one: PlanExecutor.Start already
// does the only meaningful shutdown work (draining the delayer's pending
// deferred deletes) in response to context cancellation.
func RunUntilSignal(o *Operator, cfg *ShutdownConfig) error {
	if cfg == nil {
		cfg = DefaultShutdownConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), cfg.Signals...)
	defer stop()

	startErrCh := make(chan error, 1)
	go func() {
		startErrCh <- o.Start(ctx)
	}()

	select {
	case err := <-startErrCh:
		return err
	case <-ctx.Done():
	}

	ctrl.Log.WithName("shutdown").Info("shutdown signal received, draining", "timeout", cfg.ForceTimeout)

	select {
	case err := <-startErrCh:
		return err
	case <-time.After(cfg.ForceTimeout):
		return fmt.Errorf("operator did not stop within %s of the shutdown signal", cfg.ForceTimeout)
	}
}
