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
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

const (
	// GracefulDrainPrefix namespaces every sentinel label/annotation this
	// controller writes onto a pod.
	GracefulDrainPrefix = "pod-graceful-drain"

	// WaitLabelKey marks a pod as isolated from its owning Service/controller
	// selectors. An empty value means the wait is over but the label was
	// kept around so the pod stays easy to find before it is deleted.
	WaitLabelKey = GracefulDrainPrefix + "/wait"

	// DeleteAtAnnotationKey records the RFC3339 UTC timestamp at which the
	// isolated pod becomes eligible for actual deletion.
	DeleteAtAnnotationKey = GracefulDrainPrefix + "/deleteAt"

	// OriginalLabelsAnnotationKey stashes the pod's pre-isolation labels as
	// a JSON object, for forensic purposes only; nothing restores from it.
	OriginalLabelsAnnotationKey = GracefulDrainPrefix + "/originalLabels"
)

// IsPodReady reports whether pod is Ready and, if it declares readiness
// gates, whether every gated condition is also True. A pod that has never
// been ready cannot be load-balancer-bound in any way this controller cares
// about.
func IsPodReady(pod *corev1.Pod) bool {
	if !podHasReadyCondition(pod) {
		return false
	}
	for _, rg := range pod.Spec.ReadinessGates {
		condition := getPodCondition(&pod.Status, rg.ConditionType)
		if condition == nil || condition.Status != corev1.ConditionTrue {
			return false
		}
	}
	return true
}

func podHasReadyCondition(pod *corev1.Pod) bool {
	condition := getPodCondition(&pod.Status, corev1.PodReady)
	return condition != nil && condition.Status == corev1.ConditionTrue
}

func getPodCondition(status *corev1.PodStatus, conditionType corev1.PodConditionType) *corev1.PodCondition {
	for i := range status.Conditions {
		if status.Conditions[i].Type == conditionType {
			return &status.Conditions[i]
		}
	}
	return nil
}

// PodDeletionDelayInfo is the isolation/deadline state derived from a pod's
// current sentinel label and annotation.
type PodDeletionDelayInfo struct {
	// Isolated is true once either sentinel is present, regardless of
	// whether the wait is still active.
	Isolated bool
	// Wait is true while the wait label carries a non-empty value.
	Wait bool
	// DeleteAtUTC is only meaningful when Wait is true.
	DeleteAtUTC time.Time
}

// GetPodDeletionDelayInfo reads the sentinels off pod. A wait label without
// a deleteAt annotation is a malformed state and returns an error alongside
// the partial info gathered so far.
func GetPodDeletionDelayInfo(pod *corev1.Pod) (PodDeletionDelayInfo, error) {
	result := PodDeletionDelayInfo{}

	waitLabelValue, hasWaitLabel := pod.Labels[WaitLabelKey]
	deleteAtValue, hasDeleteAt := pod.Annotations[DeleteAtAnnotationKey]

	result.Isolated = hasWaitLabel || hasDeleteAt
	result.Wait = len(waitLabelValue) > 0

	if hasWaitLabel && !hasDeleteAt {
		return result, errors.New("wait label present without a deleteAt annotation")
	}

	if !result.Wait {
		return result, nil
	}

	deleteAt, err := time.Parse(time.RFC3339, deleteAtValue)
	if err != nil {
		return result, fmt.Errorf("deleteAt annotation is not RFC3339: %w", err)
	}
	result.DeleteAtUTC = deleteAt

	return result, nil
}

// GetRemainingTime returns how long is left before the pod's deleteAt, or
// zero if the pod isn't isolated, isn't waiting, or the deadline has passed.
func (i *PodDeletionDelayInfo) GetRemainingTime(now time.Time) time.Duration {
	nowUTC := now.UTC()
	if !i.Isolated || !i.Wait || nowUTC.After(i.DeleteAtUTC) {
		return 0
	}
	return i.DeleteAtUTC.Sub(nowUTC)
}
