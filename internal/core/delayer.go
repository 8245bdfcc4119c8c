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

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// Delayer schedules fire-once tasks and coordinates their shutdown.
//
// A task either runs after its full duration elapses or is fired early,
// with interrupted=true, when Stop's drain timeout expires. Stop blocks
// until every outstanding task has returned, up to a hard cleanup deadline.
type Delayer interface {
	NewTask(duration time.Duration, task func(context.Context, bool) error) DelayedTask
	Stop(drain time.Duration, cleanup time.Duration)
}

type delayer struct {
	logger  logr.Logger
	counter int64

	tasksWaitGroup *sync.WaitGroup
	interrupt      chan struct{}
	cleanup        chan struct{}
}

var _ Delayer = &delayer{}

// NewDelayer builds a Delayer. Each instance owns its own interrupt/cleanup
// signal pair and must not be reused after Stop is called.
func NewDelayer(logger logr.Logger) Delayer {
	return &delayer{
		logger: logger.WithName("delayer"),

		tasksWaitGroup: &sync.WaitGroup{},
		interrupt:      make(chan struct{}),
		cleanup:        make(chan struct{}),
	}
}

func (d *delayer) NewTask(duration time.Duration, task func(context.Context, bool) error) DelayedTask {
	id := atomic.AddInt64(&d.counter, 1)

	return &delayedTask{
		delayer:  d,
		logger:   d.logger.WithValues("taskId", id),
		id:       DelayedTaskID(id),
		duration: duration,
		task:     task,
	}
}

// Stop waits up to drain for all outstanding tasks to finish naturally, then
// interrupts the rest (firing them immediately with interrupted=true) and
// waits up to cleanup for them to return before giving up and returning
// anyway. It is safe to call exactly once.
func (d *delayer) Stop(drain time.Duration, cleanup time.Duration) {
	d.logger.Info("stopping delayer")

	stopped := make(chan struct{})
	go func() {
		d.tasksWaitGroup.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		d.logger.Info("drained all delayed tasks")
	case <-time.After(drain):
		d.logger.Info("delayed tasks did not finish in time, interrupting and waiting for cleanup")
		close(d.interrupt)

		select {
		case <-stopped:
		case <-time.After(cleanup):
			d.logger.Info("cleanup timeout elapsed with tasks still outstanding")
		}
	}
	close(d.cleanup)
	d.logger.Info("stopped delayer")
}

// DelayedTaskID identifies a task scheduled by a Delayer, scoped to that
// Delayer instance.
type DelayedTaskID int64

// DelayedTask is a single scheduled invocation of a task function.
type DelayedTask interface {
	GetID() DelayedTaskID
	GetDuration() time.Duration
	// RunWait blocks the caller until the task fires (by timer, by ctx
	// cancellation, or by the owning Delayer's interrupt/cleanup signal).
	RunWait(ctx context.Context) error
	// RunAsync schedules the task on its own goroutine, detached from ctx,
	// and returns immediately. It still fires early on interrupt/cleanup.
	RunAsync()
}

type delayedTask struct {
	delayer  *delayer
	logger   logr.Logger
	id       DelayedTaskID
	duration time.Duration
	task     func(context.Context, bool) error
}

var _ DelayedTask = &delayedTask{}

func (t *delayedTask) GetID() DelayedTaskID {
	return t.id
}

func (t *delayedTask) GetDuration() time.Duration {
	return t.duration
}

func (t *delayedTask) RunWait(ctx context.Context) error {
	t.delayer.tasksWaitGroup.Add(1)
	defer t.delayer.tasksWaitGroup.Done()

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-innerCtx.Done():
		case <-t.delayer.cleanup:
			cancel()
		}
	}()

	return t.run(innerCtx, t.duration)
}

func (t *delayedTask) RunAsync() {
	t.delayer.tasksWaitGroup.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-t.delayer.cleanup:
			cancel()
		}
	}()

	go func() {
		defer t.delayer.tasksWaitGroup.Done()
		defer cancel()

		if err := t.run(ctx, t.duration); err != nil {
			t.logger.Error(err, "async delayed task failed")
		}
	}()

	t.logger.V(1).Info("scheduled delayed task")
}

func (t *delayedTask) run(ctx context.Context, duration time.Duration) error {
	t.logger.V(1).Info("waiting to fire delayed task", "duration", duration)

	var interrupted bool
	select {
	case <-ctx.Done():
		interrupted = true
	case <-t.delayer.interrupt:
		interrupted = true
	case <-time.After(duration):
		interrupted = false
	}

	t.logger.V(1).Info("firing delayed task", "interrupted", interrupted)

	if t.task == nil {
		return nil
	}

	newCtx := logr.NewContext(ctx, t.logger)
	if err := t.task(newCtx, interrupted); err != nil {
		t.logger.Error(err, "delayed task errored")
		return err
	}
	return nil
}
