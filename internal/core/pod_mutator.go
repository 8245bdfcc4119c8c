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
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// PodMutator applies the three sentinel-protocol mutations to a single pod,
// each through the same optimistic-concurrency patch loop.
type PodMutator struct {
	client client.Client
	logger logr.Logger
	pod    *corev1.Pod
}

// NewPodMutator wraps pod for mutation through client. The pod pointer is
// mutated in place as patches land.
func NewPodMutator(c client.Client, pod *corev1.Pod) *PodMutator {
	return &PodMutator{
		client: c,
		logger: logr.Discard(),
		pod:    pod,
	}
}

// WithLogger returns a copy of m scoped to logger.
func (m *PodMutator) WithLogger(logger logr.Logger) *PodMutator {
	return &PodMutator{
		client: m.client,
		logger: logger.WithValues("pod", types.NamespacedName{Namespace: m.pod.Namespace, Name: m.pod.Name}),
		pod:    m.pod,
	}
}

// Isolate strips the pod's selectable labels down to the wait sentinel,
// records deleteAt and the original labels, and cuts controller ownership so
// garbage collection won't race the drain.
func (m *PodMutator) Isolate(ctx context.Context, deleteAt time.Time) error {
	m.logger.Info("isolating pod")
	if err := m.patchPod(ctx, isolateDesired, isolateMutate(deleteAt)); err != nil {
		return err
	}
	m.logger.V(1).Info("isolated pod")
	return nil
}

func isolateDesired(pod *corev1.Pod) bool {
	info, _ := GetPodDeletionDelayInfo(pod)
	return info.Isolated
}

func isolateMutate(deleteAt time.Time) func(*corev1.Pod) error {
	return func(pod *corev1.Pod) error {
		oldLabels, err := json.Marshal(pod.Labels)
		if err != nil {
			return err
		}

		pod.Labels = map[string]string{WaitLabelKey: "true"}
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations[DeleteAtAnnotationKey] = deleteAt.UTC().Format(time.RFC3339)
		pod.Annotations[OriginalLabelsAnnotationKey] = string(oldLabels)

		var keptOwners []metav1.OwnerReference
		for _, owner := range pod.OwnerReferences {
			kept := owner.DeepCopy()
			kept.Controller = nil
			keptOwners = append(keptOwners, *kept)
		}
		pod.OwnerReferences = keptOwners

		return nil
	}
}

// DisableWaitLabelAndDelete clears the wait label's value and deletes the
// pod, guarding the delete with the pod's UID as a precondition.
func (m *PodMutator) DisableWaitLabelAndDelete(ctx context.Context) error {
	m.logger.Info("disabling wait label")
	if err := m.patchPod(ctx, disableWaitDesired, disableWaitMutate); err != nil {
		return err
	}
	m.logger.V(1).Info("disabled wait label")

	m.logger.Info("deleting pod")
	if err := m.delete(ctx); err != nil {
		return err
	}
	m.logger.V(1).Info("deleted pod")
	return nil
}

func disableWaitDesired(pod *corev1.Pod) bool {
	return len(pod.Labels[WaitLabelKey]) == 0
}

func disableWaitMutate(pod *corev1.Pod) error {
	// Set it empty rather than removing it: an empty wait label is still
	// easy to find and tells an operator the pod is in its final countdown.
	pod.Labels[WaitLabelKey] = ""
	return nil
}

// patchPod implements the shared optimistic-concurrency retry loop: patch
// with an UID precondition via MergeFromWithOptimisticLock, retry on
// conflict by refetching, and once the patch lands, poll until the local
// client cache reflects it (controller-runtime issue #1257).
func (m *PodMutator) patchPod(ctx context.Context, desired func(*corev1.Pod) bool, mutate func(*corev1.Pod) error) error {
	needReload := len(m.pod.ResourceVersion) == 0

	for {
		if needReload {
			if err := m.reloadPod(ctx); err != nil {
				return err
			}
		}

		if desired(m.pod) {
			return nil
		}

		oldPod := m.pod.DeepCopy()
		oldPod.UID = "" // only the new object carries the UID, so it appears as a patch precondition

		if err := mutate(m.pod); err != nil {
			return err
		}

		patchOpt := client.MergeFromWithOptions(oldPod, client.MergeFromWithOptimisticLock{})
		if err := m.client.Patch(ctx, m.pod, patchOpt); err != nil {
			if apierrors.IsConflict(err) {
				needReload = true
				continue
			}
			return err
		}

		return wait.ExponentialBackoff(retry.DefaultBackoff, func() (bool, error) {
			if desired(m.pod) {
				return true, nil
			}
			return false, m.reloadPod(ctx)
		})
	}
}

func (m *PodMutator) reloadPod(ctx context.Context) error {
	podUID := m.pod.UID
	podKey := types.NamespacedName{Namespace: m.pod.Namespace, Name: m.pod.Name}

	var fresh corev1.Pod
	if err := m.client.Get(ctx, podKey, &fresh); err != nil {
		return err
	}
	if fresh.UID != podUID {
		return apierrors.NewNotFound(corev1.Resource(string(corev1.ResourcePods)), m.pod.Name)
	}

	*m.pod = fresh
	return nil
}

func (m *PodMutator) delete(ctx context.Context) error {
	return wait.ExponentialBackoff(retry.DefaultBackoff, func() (bool, error) {
		err := m.client.Delete(ctx, m.pod, client.Preconditions{UID: &m.pod.UID})
		if err == nil {
			return true, nil
		}
		if apierrors.IsNotFound(err) || apierrors.IsConflict(err) {
			return true, nil
		}
		// The validating webhook may still be denying this delete until the
		// wait-label patch above has propagated; keep backing off.
		return false, nil
	})
}
