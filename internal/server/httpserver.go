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

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// HTTPServer runs the gin engine backing /healthz, /readyz, /metrics and
// /metrics/health on its own listeners, entirely separate from the
// manager's webhook HTTPS server. The metrics and health-probe bind
// addresses are served independently so either can be scraped or probed on
// its own port, matching how most operators wire a metrics and a kubelet
// probe endpoint.
type HTTPServer struct {
	engine      *gin.Engine
	metricsAddr string
	healthAddr  string
}

var _ manager.Runnable = &HTTPServer{}

// NewHTTPServer builds an HTTPServer serving engine's routes on metricsAddr
// and healthAddr.
func NewHTTPServer(engine *gin.Engine, metricsAddr, healthAddr string) *HTTPServer {
	return &HTTPServer{engine: engine, metricsAddr: metricsAddr, healthAddr: healthAddr}
}

// Start implements manager.Runnable: it listens on both bind addresses
// until ctx is cancelled, then shuts both servers down within a bounded
// grace period.
func (s *HTTPServer) Start(ctx context.Context) error {
	metricsSrv := &http.Server{Addr: s.metricsAddr, Handler: s.engine}
	healthSrv := &http.Server{Addr: s.healthAddr, Handler: s.engine}

	errCh := make(chan error, 2)
	go func() { errCh <- metricsSrv.ListenAndServe() }()
	go func() { errCh <- healthSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving health/metrics endpoints: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var shutdownErr error
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		shutdownErr = err
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}
