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
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/pod-graceful-drain/internal/apis/elbv2"
)

// TargetHealthPodConditionTypePrefix prefixes the readiness-gate condition
// types the AWS Load Balancer Controller installs per bound target group.
const TargetHealthPodConditionTypePrefix = "target-health.elbv2.k8s.aws"

// DidPodHaveServicesTargetTypeIP reports whether pod is, or recently was,
// reachable from an IP-mode target group: either a live TargetGroupBinding
// whose Service selects it, or (if none currently match) a readiness gate
// left behind by a binding that has since disappeared.
func DidPodHaveServicesTargetTypeIP(ctx context.Context, c client.Client, pod *corev1.Pod) (bool, error) {
	svcs, err := getServicesTargetTypeIP(ctx, c, pod)
	if err != nil {
		return false, err
	}

	if len(svcs) > 0 {
		return true, nil
	}

	for _, rg := range pod.Spec.ReadinessGates {
		if strings.HasPrefix(string(rg.ConditionType), TargetHealthPodConditionTypePrefix) {
			// The pod once had a TargetGroupBinding and it is now gone; we
			// can't tell its target type anymore, so give the LB the
			// benefit of the doubt.
			return true, nil
		}
	}
	return false, nil
}

func getServicesTargetTypeIP(ctx context.Context, c client.Client, pod *corev1.Pod) ([]corev1.Service, error) {
	tgbList := &elbv2.TargetGroupBindingList{}
	if err := c.List(ctx, tgbList, client.InNamespace(pod.Namespace)); err != nil {
		if meta.IsNoMatchError(err) || apierrors.IsNotFound(err) {
			// The TargetGroupBinding CRD isn't installed in this cluster.
			return nil, nil
		}
		return nil, fmt.Errorf("listing TargetGroupBindings in namespace %s: %w", pod.Namespace, err)
	}

	var svcs []corev1.Service
	for _, tgb := range tgbList.Items {
		if tgb.Spec.TargetType == nil || *tgb.Spec.TargetType != elbv2.TargetTypeIP {
			continue
		}

		svcKey := types.NamespacedName{Namespace: tgb.Namespace, Name: tgb.Spec.ServiceRef.Name}
		var svc corev1.Service
		if err := c.Get(ctx, svcKey, &svc); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}

		var selector labels.Selector
		if len(svc.Spec.Selector) == 0 {
			selector = labels.Nothing()
		} else {
			selector = labels.SelectorFromSet(svc.Spec.Selector)
		}
		if selector.Matches(labels.Set(pod.Labels)) {
			svcs = append(svcs, svc)
		}
	}
	return svcs, nil
}
