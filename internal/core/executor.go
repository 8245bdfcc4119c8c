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
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/ahoma/pod-graceful-drain/internal/ratelimit"
)

const defaultCleanupTimeout = 10 * time.Second

// AdmissionVerdictKind tags the shape of an AdmissionVerdict.
type AdmissionVerdictKind int

const (
	VerdictAllow AdmissionVerdictKind = iota
	VerdictDeny
	VerdictPatchEvictionDryRun
)

// AdmissionVerdict is what the Plan Executor hands back to the webhook
// transport to turn into an admission.Response.
type AdmissionVerdict struct {
	Kind   AdmissionVerdictKind
	Reason string
}

// PlanExecutor applies a Plan produced by a DecisionEngine: mutates the
// pod, schedules delayed tasks, and shapes the admission response.
type PlanExecutor struct {
	client  client.Client
	logger  logr.Logger
	config  *DrainConfig
	engine  *DecisionEngine
	delayer Delayer
	limiter *ratelimit.Limiter
}

var _ manager.Runnable = &PlanExecutor{}

// NewPlanExecutor builds a PlanExecutor. It owns its own Delayer, created
// fresh, so callers must not share a PlanExecutor's lifetime across
// restarts.
func NewPlanExecutor(c client.Client, logger logr.Logger, config *DrainConfig) *PlanExecutor {
	return &PlanExecutor{
		client:  c,
		logger:  logger.WithName("pod-graceful-drain"),
		config:  config,
		engine:  NewDecisionEngine(c, config),
		delayer: NewDelayer(logger),
	}
}

// WithRateLimiter attaches a Limiter that throttles this executor's patch
// and delete calls against the Kubernetes API, so a mass pod-drain event
// can't overwhelm the API server. A nil limiter disables throttling.
func (e *PlanExecutor) WithRateLimiter(limiter *ratelimit.Limiter) *PlanExecutor {
	e.limiter = limiter
	return e
}

// throttle blocks on resource's rate limit, if a limiter is attached, and
// reports the outcome back to its circuit breaker.
func (e *PlanExecutor) throttle(ctx context.Context, resource string) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.WaitForResource(ctx, resource); err != nil {
		e.limiter.RecordFailure(resource, err)
		return fmt.Errorf("rate limiting %s: %w", resource, err)
	}
	return nil
}

// DelayPodDeletion classifies and executes a DELETE-on-pod admission,
// returning the verdict to report back to the API server.
func (e *PlanExecutor) DelayPodDeletion(ctx context.Context, pod *corev1.Pod) (*AdmissionVerdict, error) {
	now := time.Now()
	logger := e.loggerFor(pod)

	plan, err := e.engine.PlanDeletion(ctx, pod, now)
	if err != nil {
		return nil, err
	}
	logPlan(logger, plan)

	mutator := NewPodMutator(e.client, pod).WithLogger(logger)

	switch plan.Kind {
	case PlanPass:
		return &AdmissionVerdict{Kind: VerdictAllow}, nil

	case PlanIsolate:
		if err := e.isolate(ctx, mutator, plan.DeleteAt); err != nil {
			if apierrors.IsNotFound(err) {
				return &AdmissionVerdict{Kind: VerdictAllow}, nil
			}
			return nil, err
		}
		switch plan.PostAction {
		case PostActionAsyncDeleteThenDeny:
			e.newDeleteTask(pod, plan.Duration).RunAsync()
			return &AdmissionVerdict{
				Kind:   VerdictDeny,
				Reason: "pod cannot be removed immediately; it will be eventually removed after waiting for the load balancer to drain it",
			}, nil
		case PostActionSleepThenAllow:
			if err := e.delayer.NewTask(plan.Duration, nil).RunWait(ctx); err != nil {
				return nil, err
			}
			return &AdmissionVerdict{Kind: VerdictAllow, Reason: "pod deletion is delayed enough"}, nil
		default:
			return &AdmissionVerdict{Kind: VerdictAllow}, nil
		}

	case PlanReentryAsyncDeny:
		return &AdmissionVerdict{
			Kind:   VerdictDeny,
			Reason: "pod cannot be removed immediately; it will be eventually removed after waiting for the load balancer to drain it (reentry)",
		}, nil

	case PlanReentrySleepThenAllow:
		if err := e.delayer.NewTask(plan.Duration, nil).RunWait(ctx); err != nil {
			return nil, err
		}
		return &AdmissionVerdict{Kind: VerdictAllow, Reason: "pod deletion is delayed enough (reentry)"}, nil

	default:
		return &AdmissionVerdict{Kind: VerdictAllow}, nil
	}
}

// DelayPodEviction classifies and executes a CREATE-on-pods/eviction
// admission against the named pod. It always reports
// VerdictPatchEvictionDryRun on intercept so the transport can rewrite the
// eviction's dryRun field; callers that get a nil verdict should let the
// eviction proceed unmodified.
func (e *PlanExecutor) DelayPodEviction(ctx context.Context, podKey types.NamespacedName) (*AdmissionVerdict, error) {
	now := time.Now()

	var pod corev1.Pod
	if err := e.client.Get(ctx, podKey, &pod); err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", podKey, err)
	}
	logger := e.loggerFor(&pod)

	plan, err := e.engine.PlanEviction(ctx, &pod, now)
	if err != nil {
		return nil, err
	}
	logPlan(logger, plan)

	switch plan.Kind {
	case PlanPass:
		return nil, nil

	case PlanReentryAsyncDeny:
		// Already isolated and still waiting; re-acknowledge the eviction
		// as a dry-run without rescheduling anything.
		return &AdmissionVerdict{Kind: VerdictPatchEvictionDryRun}, nil

	case PlanIsolate:
		mutator := NewPodMutator(e.client, &pod).WithLogger(logger)
		if err := e.isolate(ctx, mutator, plan.DeleteAt); err != nil {
			if apierrors.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		e.newDeleteTask(&pod, plan.Duration).RunAsync()
		return &AdmissionVerdict{Kind: VerdictPatchEvictionDryRun}, nil

	default:
		return nil, nil
	}
}

func (e *PlanExecutor) isolate(ctx context.Context, mutator *PodMutator, deleteAt time.Time) error {
	if err := e.throttle(ctx, "patch"); err != nil {
		return err
	}
	if err := mutator.Isolate(ctx, deleteAt); err != nil {
		if e.limiter != nil {
			e.limiter.RecordFailure("patch", err)
		}
		return fmt.Errorf("isolating pod: %w", err)
	}
	if e.limiter != nil {
		e.limiter.RecordSuccess("patch")
	}
	return nil
}

func (e *PlanExecutor) newDeleteTask(pod *corev1.Pod, duration time.Duration) DelayedTask {
	return e.delayer.NewTask(duration, func(ctx context.Context, _ bool) error {
		if err := e.throttle(ctx, "delete"); err != nil {
			return err
		}
		err := NewPodMutator(e.client, pod).
			WithLogger(logr.FromContextOrDiscard(ctx)).
			DisableWaitLabelAndDelete(ctx)
		if e.limiter != nil {
			if err != nil {
				e.limiter.RecordFailure("delete", err)
			} else {
				e.limiter.RecordSuccess("delete")
			}
		}
		return err
	})
}

func (e *PlanExecutor) loggerFor(obj client.Object) logr.Logger {
	return e.logger.WithValues("pod", types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()})
}

func logPlan(logger logr.Logger, plan *Plan) {
	logger.V(1).Info("computed plan",
		"kind", plan.Kind,
		"postAction", plan.PostAction,
		"deleteAt", plan.DeleteAt,
		"duration", plan.Duration,
		"reason", plan.Reason)
}

// Start implements manager.Runnable: it runs the startup recovery scan,
// then blocks until ctx is cancelled, then drives the Delayer's shutdown.
func (e *PlanExecutor) Start(ctx context.Context) error {
	e.logger.Info("starting pod-graceful-drain")
	if err := e.recoverPendingTasks(ctx); err != nil {
		e.logger.Error(err, "error recovering pods left over from a previous run")
	}

	<-ctx.Done()

	e.logger.Info("stopping pod-graceful-drain")
	drain := e.config.GetDrainDuration()
	if drain < fallbackAdmissionDelayTimeout {
		drain = fallbackAdmissionDelayTimeout
	}
	e.delayer.Stop(drain, defaultCleanupTimeout)
	e.logger.V(1).Info("stopped pod-graceful-drain")
	return nil
}

// recoverPendingTasks lists every pod bearing the wait sentinel label
// (regardless of value) and re-arms its deferred delete, so a controller
// restart never leaves an isolated pod stranded forever.
func (e *PlanExecutor) recoverPendingTasks(ctx context.Context) error {
	var podList corev1.PodList
	if err := e.client.List(ctx, &podList, client.HasLabels{WaitLabelKey}); err != nil {
		return fmt.Errorf("listing pods with wait sentinel label: %w", err)
	}

	now := time.Now()
	for i := range podList.Items {
		pod := &podList.Items[i]

		deleteAfter := e.config.DeleteAfter
		info, err := GetPodDeletionDelayInfo(pod)
		if err != nil {
			e.loggerFor(pod).Error(err, "pod carries the wait sentinel label but its delay info is malformed")
		} else {
			deleteAfter = info.GetRemainingTime(now)
		}

		e.newDeleteTask(pod, deleteAfter).RunAsync()
	}
	return nil
}
