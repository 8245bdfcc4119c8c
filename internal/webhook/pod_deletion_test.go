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
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/pod-graceful-drain/internal/apis/elbv2"
	"github.com/ahoma/pod-graceful-drain/internal/core"
)

func testScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	_ = elbv2.AddToScheme(scheme)
	return scheme
}

func mustMarshal(obj interface{}) []byte {
	b, err := json.Marshal(obj)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("PodDeletionHandler", func() {
	var (
		scheme *runtime.Scheme
		config *core.DrainConfig
	)

	BeforeEach(func() {
		scheme = testScheme()
		config = &core.DrainConfig{DeleteAfter: 90 * time.Second, AdmissionDelay: 25 * time.Second}
	})

	It("allows non-delete operations without decoding anything", func() {
		c := fakeclient.NewClientBuilder().WithScheme(scheme).Build()
		executor := core.NewPlanExecutor(c, logr.Discard(), config)
		handler := NewPodDeletionHandler(executor, config, scheme, logr.Discard())

		resp := handler.Handle(context.Background(), admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: admissionv1.Create,
		}})
		Expect(resp.Allowed).To(BeTrue())
	})

	It("allows dry-run admission requests unmodified", func() {
		c := fakeclient.NewClientBuilder().WithScheme(scheme).Build()
		executor := core.NewPlanExecutor(c, logr.Discard(), config)
		handler := NewPodDeletionHandler(executor, config, scheme, logr.Discard())

		isDryRun := true
		resp := handler.Handle(context.Background(), admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: admissionv1.Delete,
			DryRun:    &isDryRun,
		}})
		Expect(resp.Allowed).To(BeTrue())
	})

	It("allows deletion of a pod that is not ready", func() {
		pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "default"}}
		c := fakeclient.NewClientBuilder().WithScheme(scheme).WithObjects(pod).Build()
		executor := core.NewPlanExecutor(c, logr.Discard(), config)
		handler := NewPodDeletionHandler(executor, config, scheme, logr.Discard())

		resp := handler.Handle(context.Background(), admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: admissionv1.Delete,
			OldObject: runtime.RawExtension{Raw: mustMarshal(pod)},
		}})
		Expect(resp.Allowed).To(BeTrue())
	})

	It("denies deletion of a load-balancer bound, ready pod and isolates it", func() {
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name: "p1", Namespace: "default",
				Labels: map[string]string{"app": "nginx"},
			},
			Status: corev1.PodStatus{
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
			},
		}
		svc := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "svc1", Namespace: "default"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "nginx"}},
		}
		ipType := elbv2.TargetTypeIP
		tgb := &elbv2.TargetGroupBinding{
			ObjectMeta: metav1.ObjectMeta{Name: "tgb1", Namespace: "default"},
			Spec: elbv2.TargetGroupBindingSpec{
				TargetType: &ipType,
				ServiceRef: corev1.LocalObjectReference{Name: "svc1"},
			},
		}
		c := fakeclient.NewClientBuilder().WithScheme(scheme).WithObjects(pod, svc, tgb).Build()
		executor := core.NewPlanExecutor(c, logr.Discard(), config)
		handler := NewPodDeletionHandler(executor, config, scheme, logr.Discard())

		resp := handler.Handle(context.Background(), admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: admissionv1.Delete,
			OldObject: runtime.RawExtension{Raw: mustMarshal(pod)},
		}})
		Expect(resp.Allowed).To(BeFalse())

		var isolated corev1.Pod
		Expect(c.Get(context.Background(), types.NamespacedName{Namespace: "default", Name: "p1"}, &isolated)).To(Succeed())
		Expect(isolated.Labels).To(HaveKeyWithValue(core.WaitLabelKey, "true"))
	})

	It("errors out on an undecodable old object regardless of ignore-error", func() {
		config.IgnoreError = true
		c := fakeclient.NewClientBuilder().WithScheme(scheme).Build()
		executor := core.NewPlanExecutor(c, logr.Discard(), config)
		handler := NewPodDeletionHandler(executor, config, scheme, logr.Discard())

		resp := handler.Handle(context.Background(), admission.Request{AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: admissionv1.Delete,
			OldObject: runtime.RawExtension{Raw: []byte("not-json")},
		}})
		Expect(resp.Allowed).To(BeFalse())
		Expect(int(resp.Result.Code)).To(BeNumerically(">=", 400))
	})
})
