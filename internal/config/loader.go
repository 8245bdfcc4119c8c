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

// Package config loads the controller's configuration from a layered stack
// of defaults, an optional YAML file, environment variables and CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ahoma/pod-graceful-drain/internal/core"
	"github.com/ahoma/pod-graceful-drain/internal/logging"
)

// Configuration is the complete controller configuration.
type Configuration struct {
	Drain          core.DrainConfig    `yaml:"drain" json:"drain"`
	Webhook        WebhookConfig       `yaml:"webhook" json:"webhook"`
	Kubernetes     KubernetesConfig    `yaml:"kubernetes" json:"kubernetes"`
	LeaderElection LeaderElectionConfig `yaml:"leaderElection" json:"leaderElection"`
	Logging        logging.Config      `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig       `yaml:"metrics" json:"metrics"`
}

// WebhookConfig controls the admission webhook server.
type WebhookConfig struct {
	Port             int    `yaml:"port" json:"port"`
	CertDir          string `yaml:"certDir" json:"certDir"`
	CertName         string `yaml:"certName" json:"certName"`
	KeyName          string `yaml:"keyName" json:"keyName"`
	ServiceName      string `yaml:"serviceName" json:"serviceName"`
	ServiceNamespace string `yaml:"serviceNamespace" json:"serviceNamespace"`
}

// KubernetesConfig controls the client talking to the API server.
type KubernetesConfig struct {
	Kubeconfig string        `yaml:"kubeconfig" json:"kubeconfig"`
	QPS        float32       `yaml:"qps" json:"qps"`
	Burst      int           `yaml:"burst" json:"burst"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// LeaderElectionConfig controls the manager's leader election.
type LeaderElectionConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	ID            string        `yaml:"id" json:"id"`
	LeaseDuration time.Duration `yaml:"leaseDuration" json:"leaseDuration"`
	RenewDeadline time.Duration `yaml:"renewDeadline" json:"renewDeadline"`
	RetryPeriod   time.Duration `yaml:"retryPeriod" json:"retryPeriod"`
}

// MetricsConfig controls the metrics/health HTTP server.
type MetricsConfig struct {
	BindAddress       string `yaml:"bindAddress" json:"bindAddress"`
	HealthBindAddress string `yaml:"healthBindAddress" json:"healthBindAddress"`
}

// DefaultConfiguration returns the baseline configuration every load starts
// from.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Drain: core.DrainConfig{
			DeleteAfter:    90 * time.Second,
			AdmissionDelay: 25 * time.Second,
			IgnoreError:    true,
		},
		Webhook: WebhookConfig{
			Port:             9443,
			CertDir:          "/tmp/k8s-webhook-server/serving-certs",
			CertName:         "tls.crt",
			KeyName:          "tls.key",
			ServiceName:      "pod-graceful-drain-webhook-service",
			ServiceNamespace: "pod-graceful-drain-system",
		},
		Kubernetes: KubernetesConfig{
			QPS:     20.0,
			Burst:   30,
			Timeout: 30 * time.Second,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:       true,
			ID:            "pod-graceful-drain-leader",
			LeaseDuration: 15 * time.Second,
			RenewDeadline: 10 * time.Second,
			RetryPeriod:   2 * time.Second,
		},
		Logging: *logging.DefaultConfig(),
		Metrics: MetricsConfig{
			BindAddress:       ":8080",
			HealthBindAddress: ":8081",
		},
	}
}

// Loader loads a Configuration from defaults, then a YAML file, then
// environment variables, then CLI flags, each layer overriding the last.
type Loader struct {
	config *Configuration
}

// NewLoader returns a Loader seeded with DefaultConfiguration.
func NewLoader() *Loader {
	return &Loader{config: DefaultConfiguration()}
}

// LoadFromFile merges a YAML file's contents onto the current config. An
// empty path is a no-op.
func (l *Loader) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from a trusted CLI flag
	if err != nil {
		return fmt.Errorf("reading configuration file: %w", err)
	}
	if err := yaml.Unmarshal(data, l.config); err != nil {
		return fmt.Errorf("parsing configuration file: %w", err)
	}
	return nil
}

// LoadFromEnvironment merges POD_GRACEFUL_DRAIN_* environment variables onto
// the current config.
func (l *Loader) LoadFromEnvironment() error {
	setters := map[string]func(string) error{
		"POD_GRACEFUL_DRAIN_DELETE_AFTER":        l.setDuration(&l.config.Drain.DeleteAfter),
		"POD_GRACEFUL_DRAIN_NO_DENY_ADMISSION":    l.setBool(&l.config.Drain.NoDenyAdmission),
		"POD_GRACEFUL_DRAIN_ADMISSION_DELAY":      l.setDuration(&l.config.Drain.AdmissionDelay),
		"POD_GRACEFUL_DRAIN_IGNORE_ERROR":         l.setBool(&l.config.Drain.IgnoreError),
		"POD_GRACEFUL_DRAIN_WEBHOOK_PORT":         l.setInt(&l.config.Webhook.Port),
		"POD_GRACEFUL_DRAIN_WEBHOOK_CERT_DIR":     l.setString(&l.config.Webhook.CertDir),
		"KUBECONFIG":                              l.setString(&l.config.Kubernetes.Kubeconfig),
		"POD_GRACEFUL_DRAIN_KUBE_QPS":             l.setFloat32(&l.config.Kubernetes.QPS),
		"POD_GRACEFUL_DRAIN_KUBE_BURST":           l.setInt(&l.config.Kubernetes.Burst),
		"POD_GRACEFUL_DRAIN_LEADER_ELECTION":      l.setBool(&l.config.LeaderElection.Enabled),
		"POD_GRACEFUL_DRAIN_LOG_LEVEL":            l.setString(&l.config.Logging.Level),
		"POD_GRACEFUL_DRAIN_LOG_FORMAT":           l.setString(&l.config.Logging.Format),
		"POD_GRACEFUL_DRAIN_METRICS_BIND_ADDRESS": l.setString(&l.config.Metrics.BindAddress),
	}

	for envVar, setter := range setters {
		if value := os.Getenv(envVar); value != "" {
			if err := setter(value); err != nil {
				return fmt.Errorf("setting %s=%s: %w", envVar, value, err)
			}
		}
	}
	return nil
}

// BindFlags registers CLI flags for every field a user would plausibly want
// to override at invocation time, seeded with the config's current values.
func (l *Loader) BindFlags(fs *flag.FlagSet) {
	l.config.Drain.BindFlags(fs)
	fs.IntVar(&l.config.Webhook.Port, "webhook-port", l.config.Webhook.Port, "admission webhook server port")
	fs.StringVar(&l.config.Webhook.CertDir, "webhook-cert-dir", l.config.Webhook.CertDir, "directory holding the webhook's TLS certificate")
	fs.StringVar(&l.config.Kubernetes.Kubeconfig, "kubeconfig", l.config.Kubernetes.Kubeconfig, "path to a kubeconfig; empty uses in-cluster config")
	fs.BoolVar(&l.config.LeaderElection.Enabled, "leader-elect", l.config.LeaderElection.Enabled, "enable leader election for controller manager")
	fs.StringVar(&l.config.Logging.Level, "log-level", l.config.Logging.Level, "log level: debug, info, warn, error")
	fs.StringVar(&l.config.Logging.Format, "log-format", l.config.Logging.Format, "log format: json, console")
	fs.StringVar(&l.config.Metrics.BindAddress, "metrics-bind-address", l.config.Metrics.BindAddress, "address the metrics endpoint binds to")
	fs.StringVar(&l.config.Metrics.HealthBindAddress, "health-bind-address", l.config.Metrics.HealthBindAddress, "address the health endpoint binds to")
}

// Load runs the full defaults -> file -> environment layering and validates
// the result. CLI flags are bound via BindFlags and parsed against the
// process's actual os.Args outside Load; a file or environment value
// overwrites a flag parsed before Load, so cmd/controller parses the command
// line again after Load to put the flag layer last.
func (l *Loader) Load(configFile string) (*Configuration, error) {
	if err := l.LoadFromFile(configFile); err != nil {
		return nil, err
	}
	if err := l.LoadFromEnvironment(); err != nil {
		return nil, err
	}
	if err := l.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return l.config, nil
}

// Validate enforces the cross-field constraints across every section.
func (c *Configuration) Validate() error {
	if err := c.Drain.Validate(); err != nil {
		return err
	}
	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be between 1 and 65535")
	}
	if c.Webhook.CertDir == "" {
		return fmt.Errorf("webhook.certDir is required")
	}
	if c.Kubernetes.QPS <= 0 {
		return fmt.Errorf("kubernetes.qps must be positive")
	}
	if c.Kubernetes.Burst <= 0 {
		return fmt.Errorf("kubernetes.burst must be positive")
	}
	if c.LeaderElection.Enabled {
		if c.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leaderElection.leaseDuration must be positive")
		}
		if c.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leaderElection.renewDeadline must be positive")
		}
		if c.LeaderElection.RetryPeriod <= 0 {
			return fmt.Errorf("leaderElection.retryPeriod must be positive")
		}
	}
	return nil
}

func (l *Loader) setString(field *string) func(string) error {
	return func(value string) error {
		*field = value
		return nil
	}
}

func (l *Loader) setBool(field *bool) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field = parsed
		return nil
	}
}

func (l *Loader) setInt(field *int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field = parsed
		return nil
	}
}

func (l *Loader) setFloat32(field *float32) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return err
		}
		*field = float32(parsed)
		return nil
	}
}

func (l *Loader) setDuration(field *time.Duration) func(string) error {
	return func(value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*field = parsed
		return nil
	}
}
