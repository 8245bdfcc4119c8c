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

// Package elbv2 carries a minimal, hand-maintained client type for the
// TargetGroupBinding custom resource owned by the AWS Load Balancer
// Controller (group elbv2.k8s.aws). This package only ever reads that
// resource; it does not own or reconcile it, so it declares just the fields
// the LB reachability oracle needs rather than importing the owning
// project's full API module.
package elbv2

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// TargetType enumerates how a TargetGroupBinding's targets are addressed.
type TargetType string

const (
	TargetTypeIP       TargetType = "ip"
	TargetTypeInstance TargetType = "instance"
)

// TargetGroupBindingSpec is the subset of the real CRD's spec this
// controller reads.
type TargetGroupBindingSpec struct {
	TargetType *TargetType                 `json:"targetType,omitempty"`
	ServiceRef corev1.LocalObjectReference `json:"serviceRef"`
}

// +kubebuilder:object:root=true

// TargetGroupBinding is the local representation of elbv2.k8s.aws's
// TargetGroupBinding custom resource.
type TargetGroupBinding struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec TargetGroupBindingSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// TargetGroupBindingList is a list of TargetGroupBinding.
type TargetGroupBindingList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []TargetGroupBinding `json:"items"`
}

func (in *TargetGroupBinding) DeepCopyInto(out *TargetGroupBinding) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	if in.Spec.TargetType != nil {
		tt := *in.Spec.TargetType
		out.Spec.TargetType = &tt
	}
	out.Spec.ServiceRef = in.Spec.ServiceRef
}

func (in *TargetGroupBinding) DeepCopy() *TargetGroupBinding {
	if in == nil {
		return nil
	}
	out := new(TargetGroupBinding)
	in.DeepCopyInto(out)
	return out
}

func (in *TargetGroupBinding) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

func (in *TargetGroupBindingList) DeepCopyInto(out *TargetGroupBindingList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]TargetGroupBinding, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

func (in *TargetGroupBindingList) DeepCopy() *TargetGroupBindingList {
	if in == nil {
		return nil
	}
	out := new(TargetGroupBindingList)
	in.DeepCopyInto(out)
	return out
}

func (in *TargetGroupBindingList) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

// GroupVersion is the API group/version TargetGroupBinding lives under.
var GroupVersion = schema.GroupVersion{Group: "elbv2.k8s.aws", Version: "v1beta1"}

// SchemeBuilder collects the types in this package for scheme registration.
var SchemeBuilder = runtime.NewSchemeBuilder(func(s *runtime.Scheme) error {
	s.AddKnownTypes(GroupVersion, &TargetGroupBinding{}, &TargetGroupBindingList{})
	metav1.AddToGroupVersion(s, GroupVersion)
	return nil
})

// AddToScheme registers this package's types with s.
var AddToScheme = SchemeBuilder.AddToScheme
