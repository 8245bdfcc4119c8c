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

// Package operator wires the decision engine, the admission webhooks and
// the ambient HTTP/metrics/logging stack onto a controller-runtime
// manager, and owns that manager's lifecycle.
package operator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	"sigs.k8s.io/controller-runtime/pkg/webhook"

	elbv2 "github.com/ahoma/pod-graceful-drain/internal/apis/elbv2"
	"github.com/ahoma/pod-graceful-drain/internal/config"
	"github.com/ahoma/pod-graceful-drain/internal/core"
	"github.com/ahoma/pod-graceful-drain/internal/logging"
	"github.com/ahoma/pod-graceful-drain/internal/metrics"
	"github.com/ahoma/pod-graceful-drain/internal/ratelimit"
	"github.com/ahoma/pod-graceful-drain/internal/server"
	podwebhook "github.com/ahoma/pod-graceful-drain/internal/webhook"
)

// Operator owns the controller-runtime manager and every component wired
// onto it: the decision/execution engine, the two admission webhooks, the
// rate limiter guarding calls back to the API server, and the gin-based
// health/metrics surface served on its own listeners by httpServer,
// entirely separate from the manager's webhook HTTPS server. The
// manager's own built-in metrics and health-probe servers are disabled
// since gin owns those bind addresses instead.
type Operator struct {
	manager.Manager

	config    *config.Configuration
	namespace string

	kubeClient kubernetes.Interface
	collector  *metrics.Collector
	limiter    *ratelimit.Limiter
	executor   *core.PlanExecutor

	ginEngine     *gin.Engine
	healthChecker *server.HealthChecker
	metricsServer *server.MetricsServer
	httpServer    *server.HTTPServer

	started bool
}

// New builds an Operator from cfg: a controller-runtime manager configured
// for leader election, the webhook server and the health-probe/metrics
// bind addresses cfg names, followed by this domain's services registered
// onto it.
func New(cfg *config.Configuration) (*Operator, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("adding client-go scheme: %w", err)
	}
	if err := elbv2.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("adding elbv2 scheme: %w", err)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		// The metrics and health-probe endpoints are served by the gin
		// engine on httpServer instead, so the manager's own internal
		// servers are turned off here to avoid both binding the same
		// addresses.
		Metrics: metricsserver.Options{
			BindAddress: "0",
		},
		WebhookServer: webhook.NewServer(webhook.Options{
			Port:    cfg.Webhook.Port,
			CertDir: cfg.Webhook.CertDir,
			CertName: cfg.Webhook.CertName,
			KeyName:  cfg.Webhook.KeyName,
		}),
		HealthProbeBindAddress:  "",
		LeaderElection:          cfg.LeaderElection.Enabled,
		LeaderElectionID:        cfg.LeaderElection.ID,
		LeaderElectionNamespace: cfg.Webhook.ServiceNamespace,
		LeaseDuration:           &cfg.LeaderElection.LeaseDuration,
		RenewDeadline:           &cfg.LeaderElection.RenewDeadline,
		RetryPeriod:             &cfg.LeaderElection.RetryPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("creating manager: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	o := &Operator{
		Manager:    mgr,
		config:     cfg,
		namespace:  cfg.Webhook.ServiceNamespace,
		kubeClient: kubeClient,
	}

	if cfg.LeaderElection.Enabled {
		ctrl.Log.WithName("setup").Info("using controller-runtime's built-in leader election")
	}

	if err := o.initializeCoreServices(); err != nil {
		return nil, fmt.Errorf("initializing core services: %w", err)
	}

	if err := o.initializeHTTPServer(); err != nil {
		return nil, fmt.Errorf("initializing http server: %w", err)
	}

	if err := o.setupWebhooks(); err != nil {
		return nil, fmt.Errorf("setting up webhooks: %w", err)
	}

	if err := o.setupCertWatcher(); err != nil {
		return nil, fmt.Errorf("setting up certificate watcher: %w", err)
	}

	return o, nil
}

// Start implements manager.Runnable's shape for the outer process: it
// blocks running the manager (controllers, webhooks, leader election and
// the plan executor registered onto it) until ctx is cancelled.
func (o *Operator) Start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("operator already started")
	}

	ctrl.Log.WithName("setup").Info("starting pod-graceful-drain operator",
		"namespace", o.namespace,
		"leader-election", o.config.LeaderElection.Enabled,
	)

	o.started = true
	return o.Manager.Start(ctx)
}

// IsReady reports whether the operator has started and, when leader
// election is enabled, has won a lease.
func (o *Operator) IsReady() bool {
	if !o.started {
		return false
	}
	if !o.config.LeaderElection.Enabled {
		return true
	}
	select {
	case <-o.Elected():
		return true
	default:
		return false
	}
}

// GetConfig returns the configuration the Operator was built from.
func (o *Operator) GetConfig() *config.Configuration {
	return o.config
}

// GetGinEngine returns the gin engine backing the health/metrics handlers.
func (o *Operator) GetGinEngine() *gin.Engine {
	return o.ginEngine
}

// GetHealthChecker returns the operator's health checker.
func (o *Operator) GetHealthChecker() *server.HealthChecker {
	return o.healthChecker
}

// GetMetricsServer returns the operator's metrics server.
func (o *Operator) GetMetricsServer() *server.MetricsServer {
	return o.metricsServer
}

func (o *Operator) initializeCoreServices() error {
	o.collector = metrics.NewCollector()
	o.limiter = ratelimit.New(ratelimit.DefaultConfig())

	logger, err := logging.NewLogger(&o.config.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	o.executor = core.NewPlanExecutor(o.GetClient(), logger.Logger, &o.config.Drain).WithRateLimiter(o.limiter)
	return o.Manager.Add(o.executor)
}

func (o *Operator) initializeHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	o.ginEngine = gin.New()
	o.ginEngine.Use(gin.Recovery())

	o.healthChecker = server.NewHealthChecker(o.Manager, o.kubeClient, o.namespace)
	o.metricsServer = server.NewMetricsServer(o.collector)

	o.setupHTTPRoutes()

	o.httpServer = server.NewHTTPServer(o.ginEngine, o.config.Metrics.BindAddress, o.config.Metrics.HealthBindAddress)
	return o.Manager.Add(o.httpServer)
}

func (o *Operator) setupHTTPRoutes() {
	o.ginEngine.GET("/healthz", o.healthChecker.HealthzHandler)
	o.ginEngine.GET("/readyz", o.healthChecker.ReadyzHandler)
	o.ginEngine.GET("/metrics", o.metricsServer.MetricsHandler)
	o.ginEngine.GET("/metrics/health", o.metricsServer.HealthMetricsHandler)
}

func (o *Operator) setupWebhooks() error {
	deletionHandler := podwebhook.NewPodDeletionHandler(o.executor, &o.config.Drain, o.GetScheme(), ctrl.Log.WithName("webhook"))
	if err := deletionHandler.SetupWebhookWithManager(o.Manager); err != nil {
		return fmt.Errorf("registering pod deletion webhook: %w", err)
	}

	evictionHandler := podwebhook.NewPodEvictionHandler(o.executor, &o.config.Drain, o.GetScheme(), ctrl.Log.WithName("webhook"))
	if err := evictionHandler.SetupWebhookWithManager(o.Manager); err != nil {
		return fmt.Errorf("registering pod eviction webhook: %w", err)
	}

	return nil
}

func (o *Operator) setupCertWatcher() error {
	certPath := filepath.Join(o.config.Webhook.CertDir, o.config.Webhook.CertName)
	keyPath := filepath.Join(o.config.Webhook.CertDir, o.config.Webhook.KeyName)

	watcher := podwebhook.NewCertificateWatcher(certPath, keyPath, ctrl.Log.WithName("webhook"), nil)
	return o.Manager.Add(watcher)
}
