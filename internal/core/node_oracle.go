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

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// nodeUnschedulableTaintKey is the taint kubectl cordon / drain controllers
// apply; its presence is as good a signal as spec.unschedulable itself.
const nodeUnschedulableTaintKey = "node.kubernetes.io/unschedulable"

// IsPodInDrainingNode reports whether pod's node is cordoned: either
// spec.unschedulable is set, or it carries the unschedulable taint.
// kubectl drain cordons a node before it starts evicting, so denying
// admission on a cordoned node would fight the drain instead of
// cooperating with it. A pod whose node can't be found is treated as not
// draining: the node lookup failing is unrelated to whether the pod's own
// removal should be denied.
func IsPodInDrainingNode(ctx context.Context, c client.Client, pod *corev1.Pod) (bool, error) {
	if pod.Spec.NodeName == "" {
		return false, nil
	}

	var node corev1.Node
	if err := c.Get(ctx, types.NamespacedName{Name: pod.Spec.NodeName}, &node); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("getting node %s: %w", pod.Spec.NodeName, err)
	}

	if node.Spec.Unschedulable {
		return true, nil
	}

	for _, taint := range node.Spec.Taints {
		if taint.Key == nodeUnschedulableTaintKey {
			return true, nil
		}
	}
	return false, nil
}
