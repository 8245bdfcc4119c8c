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

// Package webhook wires the core decision/execution engine up to
// controller-runtime's admission webhook server.
package webhook

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/pod-graceful-drain/internal/core"
)

// PodDeletionHandler intercepts DELETE on core/v1 pods.
type PodDeletionHandler struct {
	executor *core.PlanExecutor
	config   *core.DrainConfig
	logger   logr.Logger
	decoder  *admission.Decoder
}

var _ admission.Handler = &PodDeletionHandler{}

// NewPodDeletionHandler builds a PodDeletionHandler registered at
// /validate-core-v1-pod.
func NewPodDeletionHandler(executor *core.PlanExecutor, config *core.DrainConfig, scheme *runtime.Scheme, logger logr.Logger) *PodDeletionHandler {
	return &PodDeletionHandler{
		executor: executor,
		config:   config,
		logger:   logger.WithName("pod-deletion-webhook"),
		decoder:  admission.NewDecoder(scheme),
	}
}

// SetupWebhookWithManager registers the handler on the manager's shared
// webhook server.
// +kubebuilder:webhook:admissionReviewVersions=v1,webhookVersions=v1,verbs=delete,path=/validate-core-v1-pod,mutating=false,failurePolicy=ignore,sideEffects=noneOnDryRun,groups=core,resources=pods,versions=v1,name=vpod.pod-graceful-drain.io
func (h *PodDeletionHandler) SetupWebhookWithManager(mgr ctrl.Manager) error {
	mgr.GetWebhookServer().Register("/validate-core-v1-pod", &admission.Webhook{
		Handler:         h,
		WithContextFunc: WithTimeoutContext,
	})
	return nil
}

func (h *PodDeletionHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	if req.Operation != admissionv1.Delete {
		return admission.Allowed("")
	}
	if req.DryRun != nil && *req.DryRun {
		return admission.Allowed("dry-run admission request")
	}

	var pod corev1.Pod
	if err := h.decoder.DecodeRaw(req.OldObject, &pod); err != nil {
		return admission.Errored(http.StatusBadRequest, err)
	}

	logger := h.logger.WithValues("pod", types.NamespacedName{Namespace: pod.Namespace, Name: pod.Name})

	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	verdict, err := h.executor.DelayPodDeletion(ctx, &pod)
	if err != nil {
		logger.Error(err, "errored while planning pod deletion")
		if h.config.IgnoreError {
			return admission.Allowed("ignored: " + err.Error())
		}
		return admission.Errored(http.StatusInternalServerError, err)
	}

	switch verdict.Kind {
	case core.VerdictDeny:
		return admission.Denied(verdict.Reason)
	default:
		return admission.Allowed(verdict.Reason)
	}
}
