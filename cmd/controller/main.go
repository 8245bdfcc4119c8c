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

package main

import (
	"flag"
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/ahoma/pod-graceful-drain/internal/config"
	"github.com/ahoma/pod-graceful-drain/internal/logging"
	"github.com/ahoma/pod-graceful-drain/internal/operator"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "path to a YAML configuration file")
		showVersion = flag.Bool("version", false, "show version information and exit")
	)

	loader := config.NewLoader()
	loader.BindFlags(flag.CommandLine)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pod-graceful-drain %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loader.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Parse the command line again so flags given explicitly override the
	// file and environment layers Load just applied.
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	ctrl.SetLogger(logger.Logger)

	setupLog := logger.WithName("setup")
	setupLog.Info("starting pod-graceful-drain controller",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"webhookPort", cfg.Webhook.Port,
		"metricsBindAddress", cfg.Metrics.BindAddress,
		"leaderElection", cfg.LeaderElection.Enabled,
	)

	op, err := operator.New(cfg)
	if err != nil {
		setupLog.Error(err, "failed to create operator")
		os.Exit(1)
	}

	if err := operator.RunUntilSignal(op, operator.DefaultShutdownConfig()); err != nil {
		setupLog.Error(err, "operator exited with an error")
		os.Exit(1)
	}

	setupLog.Info("operator stopped")
}
