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

package operator

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ahoma/pod-graceful-drain/internal/config"
)

var _ = Describe("Operator", func() {
	var cfg *config.Configuration

	BeforeEach(func() {
		cfg = config.DefaultConfiguration()
		cfg.LeaderElection.Enabled = false
	})

	Describe("New", func() {
		It("builds a manager from a real kubeconfig", func() {
			Skip("requires a reachable API server or envtest; exercised by the integration suite instead")
		})
	})

	Describe("Operator lifecycle, constructed without a real manager", func() {
		var op *Operator

		BeforeEach(func() {
			op = &Operator{
				config:     cfg,
				namespace:  cfg.Webhook.ServiceNamespace,
				kubeClient: fake.NewSimpleClientset(),
			}
		})

		It("is not ready before Start is called", func() {
			Expect(op.IsReady()).To(BeFalse())
		})

		It("is ready once started when leader election is disabled", func() {
			op.started = true
			Expect(op.IsReady()).To(BeTrue())
		})

		It("reports the configuration it was built from", func() {
			Expect(op.GetConfig()).To(BeIdenticalTo(cfg))
		})

		It("refuses to start twice", func() {
			op.started = true
			err := op.Start(nil) //nolint:staticcheck // already-started short-circuits before ctx is used
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("already started"))
		})
	})
})

var _ = Describe("ShutdownConfig", func() {
	It("defaults to SIGINT/SIGTERM and a bounded force timeout", func() {
		cfg := DefaultShutdownConfig()
		Expect(cfg.Signals).To(HaveLen(2))
		Expect(cfg.ForceTimeout).To(Equal(90 * time.Second))
	})
})
