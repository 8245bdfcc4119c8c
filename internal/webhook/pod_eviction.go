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

package webhook

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"gomodules.xyz/jsonpatch/v2"
	admissionv1 "k8s.io/api/admission/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/pod-graceful-drain/internal/core"
)

// PodEvictionHandler intercepts CREATE on policy/v1 pods/eviction.
type PodEvictionHandler struct {
	executor *core.PlanExecutor
	config   *core.DrainConfig
	logger   logr.Logger
	decoder  *admission.Decoder
}

var _ admission.Handler = &PodEvictionHandler{}

// NewPodEvictionHandler builds a PodEvictionHandler registered at
// /mutate-policy-v1-eviction.
func NewPodEvictionHandler(executor *core.PlanExecutor, config *core.DrainConfig, scheme *runtime.Scheme, logger logr.Logger) *PodEvictionHandler {
	return &PodEvictionHandler{
		executor: executor,
		config:   config,
		logger:   logger.WithName("pod-eviction-webhook"),
		decoder:  admission.NewDecoder(scheme),
	}
}

// SetupWebhookWithManager registers the handler on the manager's shared
// webhook server.
// +kubebuilder:webhook:admissionReviewVersions=v1,webhookVersions=v1,verbs=create,path=/mutate-policy-v1-eviction,mutating=true,failurePolicy=ignore,sideEffects=noneOnDryRun,groups="",resources=pods/eviction,versions=v1,name=mpodseviction.pod-graceful-drain.io
func (h *PodEvictionHandler) SetupWebhookWithManager(mgr ctrl.Manager) error {
	mgr.GetWebhookServer().Register("/mutate-policy-v1-eviction", &admission.Webhook{
		Handler:         h,
		WithContextFunc: WithTimeoutContext,
	})
	return nil
}

func (h *PodEvictionHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	if req.Operation != admissionv1.Create {
		return admission.Allowed("")
	}
	if req.DryRun != nil && *req.DryRun {
		return admission.Allowed("dry-run admission request")
	}

	var eviction policyv1.Eviction
	if err := h.decoder.DecodeRaw(req.Object, &eviction); err != nil {
		return admission.Errored(http.StatusBadRequest, err)
	}

	podKey := types.NamespacedName{Namespace: req.Namespace, Name: eviction.Name}
	logger := h.logger.WithValues("eviction", podKey)

	ctx, cancel := WithTimeout(ctx)
	defer cancel()

	verdict, err := h.executor.DelayPodEviction(ctx, podKey)
	if err != nil {
		logger.Error(err, "errored while planning pod eviction")
		if h.config.IgnoreError {
			return admission.Allowed("ignored: " + err.Error())
		}
		return admission.Errored(http.StatusInternalServerError, err)
	}
	if verdict == nil || verdict.Kind != core.VerdictPatchEvictionDryRun {
		return admission.Allowed("")
	}

	op := jsonpatch.Operation{
		Operation: "add",
		Path:      "/deleteOptions",
		Value: map[string]interface{}{
			"dryRun": []string{metav1.DryRunAll},
		},
	}
	if eviction.DeleteOptions != nil {
		op.Path = "/deleteOptions/dryRun"
		op.Operation = "add"
		op.Value = []string{metav1.DryRunAll}
	}

	return admission.Patched("delaying eviction, forced to dry-run", op)
}
