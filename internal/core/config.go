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
	"flag"
	"time"
)

// DrainConfig holds the decision engine's tunables. It is intentionally
// small: every field here maps directly onto an invariant or edge case the
// decision engine has to reason about.
type DrainConfig struct {
	// DeleteAfter is how long an isolated pod survives before its deferred
	// delete task fires, in the deny-admission path.
	DeleteAfter time.Duration `yaml:"deleteAfter" json:"deleteAfter"`
	// NoDenyAdmission switches the controller from denying deletions to
	// only ever sleeping through the admission delay window.
	NoDenyAdmission bool `yaml:"noDenyAdmission" json:"noDenyAdmission"`
	// AdmissionDelay is how long a sleep-then-allow admission is held.
	AdmissionDelay time.Duration `yaml:"admissionDelay" json:"admissionDelay"`
	// IgnoreError makes a pod deletion/eviction succeed even when the
	// interception itself failed, instead of returning admission.Errored.
	IgnoreError bool `yaml:"ignoreError" json:"ignoreError"`
}

// BindFlags registers this config's fields on fs.
func (c *DrainConfig) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.DeleteAfter, "delete-after", 90*time.Second,
		"how long an isolated pod is kept alive after a denied deletion before it is actually removed")
	fs.BoolVar(&c.NoDenyAdmission, "no-deny-admission", false,
		"delay a pod removal by only delaying the admission response, never denying it")
	fs.DurationVar(&c.AdmissionDelay, "admission-delay", 25*time.Second,
		"how long an allowed admission is held open before responding")
	fs.BoolVar(&c.IgnoreError, "ignore-error", true,
		"allow the pod removal to proceed even if the interception itself errored")
}

// GetDrainDuration returns the timeout the shutdown sequence has to wait out
// before it can safely stop the delayer: AdmissionDelay when NoDenyAdmission
// is set, otherwise the larger of DeleteAfter and AdmissionDelay.
func (c *DrainConfig) GetDrainDuration() time.Duration {
	if c.NoDenyAdmission || c.AdmissionDelay > c.DeleteAfter {
		return c.AdmissionDelay
	}
	return c.DeleteAfter
}

// Validate enforces the cross-field constraints the decision engine assumes
// hold: non-negative durations, an admission delay within the 30 * 1s
// timeoutSeconds budget admission webhooks are typically granted, and a
// non-zero timeout on whichever path is actually taken.
func (c *DrainConfig) Validate() error {
	if c.DeleteAfter < 0 {
		return errors.New("delete-after cannot be negative")
	}
	if c.AdmissionDelay < 0 {
		return errors.New("admission-delay cannot be negative")
	}
	if c.AdmissionDelay > 30*time.Second {
		return errors.New("admission-delay cannot exceed 30s")
	}

	if c.NoDenyAdmission {
		if c.AdmissionDelay == 0 {
			return errors.New("admission-delay cannot be 0 when no-deny-admission is set")
		}
	} else if c.DeleteAfter == 0 {
		return errors.New("delete-after cannot be 0 unless no-deny-admission is set")
	}

	return nil
}
