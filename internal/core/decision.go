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

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	fallbackAdmissionDelayTimeout = 30 * time.Second
	admissionDelayOverhead        = 2 * time.Second
)

// PlanKind tags the variant of a Plan.
type PlanKind int

const (
	// PlanPass admits immediately with no mutation and no scheduling.
	PlanPass PlanKind = iota
	// PlanIsolate isolates the pod, then either async-deletes-and-denies or
	// sleeps-then-allows, depending on PostAction.
	PlanIsolate
	// PlanReentryAsyncDeny denies again; the pod is already isolated and
	// its original schedule (or the startup recovery scan) owns the delete.
	PlanReentryAsyncDeny
	// PlanReentrySleepThenAllow stalls the admission up to Duration, then
	// allows; the pod is already isolated.
	PlanReentrySleepThenAllow
)

// PostAction selects what a PlanIsolate does after the isolate mutation
// lands.
type PostAction int

const (
	// PostActionNone schedules nothing further.
	PostActionNone PostAction = iota
	// PostActionAsyncDeleteThenDeny schedules a detached disableWaitAndDelete
	// task and denies the admission immediately.
	PostActionAsyncDeleteThenDeny
	// PostActionSleepThenAllow schedules a sleep-only task, blocks the
	// admission on it, then allows.
	PostActionSleepThenAllow
)

// Plan is the Decision Engine's verdict for one admission request.
type Plan struct {
	Kind       PlanKind
	DeleteAt   time.Time
	PostAction PostAction
	Duration   time.Duration
	Reason     string
}

// MalformedPodStateError wraps a pod-state parse failure so callers can
// distinguish it from transient API errors.
type MalformedPodStateError struct {
	Err error
}

func (e *MalformedPodStateError) Error() string {
	return fmt.Sprintf("malformed pod deletion delay state: %s", e.Err)
}

func (e *MalformedPodStateError) Unwrap() error {
	return e.Err
}

// DecisionEngine classifies an admission request against the live pod and
// produces a Plan. It holds no state of its own: every call is a pure
// function of (pod, now, ctx deadline, config) plus the live oracle reads.
type DecisionEngine struct {
	client client.Client
	config *DrainConfig
}

// NewDecisionEngine builds a DecisionEngine backed by c and config.
func NewDecisionEngine(c client.Client, config *DrainConfig) *DecisionEngine {
	return &DecisionEngine{client: c, config: config}
}

// PlanDeletion classifies a DELETE-on-pod admission.
func (e *DecisionEngine) PlanDeletion(ctx context.Context, pod *corev1.Pod, now time.Time) (*Plan, error) {
	if !IsPodReady(pod) {
		return &Plan{Kind: PlanPass}, nil
	}

	info, err := GetPodDeletionDelayInfo(pod)
	if err != nil {
		return nil, &MalformedPodStateError{Err: err}
	}
	if info.Isolated {
		return e.planDeletionReentry(ctx, pod, info, now)
	}

	attached, err := DidPodHaveServicesTargetTypeIP(ctx, e.client, pod)
	if err != nil {
		return nil, fmt.Errorf("checking LB reachability: %w", err)
	}
	if !attached {
		return &Plan{Kind: PlanPass}, nil
	}

	canDeny, reason, err := e.canDenyAdmission(ctx, pod)
	if err != nil {
		return nil, fmt.Errorf("checking whether admission can be denied: %w", err)
	}

	if canDeny {
		return &Plan{
			Kind:       PlanIsolate,
			DeleteAt:   now.Add(e.config.DeleteAfter),
			PostAction: PostActionAsyncDeleteThenDeny,
			Duration:   e.config.DeleteAfter,
			Reason:     reason,
		}, nil
	}

	budget := admissionDelayTimeout(ctx, now)
	return &Plan{
		Kind:       PlanIsolate,
		DeleteAt:   now.Add(budget),
		PostAction: PostActionSleepThenAllow,
		Duration:   budget,
		Reason:     reason,
	}, nil
}

// planDeletionReentry handles a DELETE admission on a pod that is already
// isolated: either the API server immediately retried the delete we just
// denied, or a controller/user is trying to delete it again before
// deleteAt. Both cases must resolve to the same decision the first
// admission made, without rescheduling anything.
func (e *DecisionEngine) planDeletionReentry(ctx context.Context, pod *corev1.Pod, info PodDeletionDelayInfo, now time.Time) (*Plan, error) {
	if !info.Wait {
		// The wait label was already cleared: deletion is already underway.
		return &Plan{Kind: PlanPass}, nil
	}

	remaining := info.GetRemainingTime(now)
	if remaining == 0 {
		return &Plan{Kind: PlanPass}, nil
	}

	canDeny, reason, err := e.canDenyAdmission(ctx, pod)
	if err != nil {
		return nil, fmt.Errorf("checking whether admission can be denied: %w", err)
	}

	if canDeny {
		return &Plan{Kind: PlanReentryAsyncDeny, Reason: reason}, nil
	}

	budget := admissionDelayTimeout(ctx, now)
	if remaining < budget {
		budget = remaining
	}
	return &Plan{Kind: PlanReentrySleepThenAllow, Duration: budget, Reason: reason}, nil
}

// PlanEviction classifies a CREATE-on-pods/eviction admission. It applies the
// deletion classification's readiness, pod-state and load-balancer checks;
// on entry it always isolates the pod and schedules its deferred delete (it
// has no draining-node or no-deny-admission branch), and on reentry it
// returns PlanReentryAsyncDeny instead of sleeping: the caller reissues the
// dry-run-delete patch rather than holding the eviction request open,
// since eviction clients (kubectl drain, the cluster autoscaler) retry on
// their own schedule and the already-scheduled disableWaitAndDelete task
// owns the eventual removal.
func (e *DecisionEngine) PlanEviction(ctx context.Context, pod *corev1.Pod, now time.Time) (*Plan, error) {
	if !IsPodReady(pod) {
		return &Plan{Kind: PlanPass}, nil
	}

	info, err := GetPodDeletionDelayInfo(pod)
	if err != nil {
		return nil, &MalformedPodStateError{Err: err}
	}
	if info.Isolated {
		if info.GetRemainingTime(now) == 0 {
			return &Plan{Kind: PlanPass}, nil
		}
		return &Plan{Kind: PlanReentryAsyncDeny}, nil
	}

	attached, err := DidPodHaveServicesTargetTypeIP(ctx, e.client, pod)
	if err != nil {
		return nil, fmt.Errorf("checking LB reachability: %w", err)
	}
	if !attached {
		return &Plan{Kind: PlanPass}, nil
	}

	return &Plan{
		Kind:       PlanIsolate,
		DeleteAt:   now.Add(e.config.DeleteAfter),
		PostAction: PostActionAsyncDeleteThenDeny,
		Duration:   e.config.DeleteAfter,
	}, nil
}

func (e *DecisionEngine) canDenyAdmission(ctx context.Context, pod *corev1.Pod) (bool, string, error) {
	if e.config.NoDenyAdmission {
		return false, "no-deny-admission config", nil
	}

	draining, err := IsPodInDrainingNode(ctx, e.client, pod)
	if err != nil {
		// Err on the side of not denying: a node lookup failure should
		// never block a drain that may already be underway.
		return false, "", nil
	}
	if draining {
		return false, "node may be draining", nil
	}
	return true, "default", nil
}

// admissionDelayTimeout budgets how long a sleep-then-allow admission may
// hold the request open: the time left on the webhook's own deadline, minus
// a fixed overhead to let the response marshal, or fallbackAdmissionDelayTimeout
// if the context carries no deadline.
func admissionDelayTimeout(ctx context.Context, now time.Time) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallbackAdmissionDelayTimeout
	}
	budget := deadline.Sub(now) - admissionDelayOverhead
	if budget < 0 {
		return 0
	}
	return budget
}
