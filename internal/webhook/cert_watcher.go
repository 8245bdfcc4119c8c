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
	"crypto/tls"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// CertificateWatcher logs certificate rotation events for the webhook
// server's TLS material. controller-runtime's own webhook.Server already
// reloads the certificate from disk on every handshake, so this does not
// duplicate that reload path (it exists so a rotation shows up in the
// controller's logs instead of silently taking effect).
type CertificateWatcher struct {
	certPath string
	keyPath  string
	logger   logr.Logger

	onRotate func(tls.Certificate)
}

var _ manager.Runnable = &CertificateWatcher{}

// NewCertificateWatcher builds a CertificateWatcher over certPath/keyPath.
// onRotate, if non-nil, is called with the freshly loaded certificate after
// each detected change.
func NewCertificateWatcher(certPath, keyPath string, logger logr.Logger, onRotate func(tls.Certificate)) *CertificateWatcher {
	return &CertificateWatcher{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   logger.WithName("cert-watcher"),
		onRotate: onRotate,
	}
}

// Start implements manager.Runnable: it watches the certificate's directory
// until ctx is cancelled.
func (cw *CertificateWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(cw.certPath)); err != nil {
		return err
	}

	cw.logger.Info("watching webhook TLS certificate", "certPath", cw.certPath, "keyPath", cw.keyPath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			if event.Name != cw.certPath && event.Name != cw.keyPath {
				continue
			}
			cw.logger.Info("webhook TLS certificate changed", "file", event.Name)
			if err := cw.notifyRotation(); err != nil {
				cw.logger.Error(err, "failed to read rotated certificate")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.logger.Error(err, "certificate watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (cw *CertificateWatcher) notifyRotation() error {
	// The certificate and key files don't necessarily finish writing
	// atomically together; give the second file a moment to land.
	time.Sleep(100 * time.Millisecond)

	cert, err := tls.LoadX509KeyPair(cw.certPath, cw.keyPath)
	if err != nil {
		return err
	}
	if cw.onRotate != nil {
		cw.onRotate(cert)
	}
	return nil
}
