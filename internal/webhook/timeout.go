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
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
)

type timeoutContextKeyType struct{}

var timeoutContextKey = timeoutContextKeyType{}

// webhookDefaultTimeout is the deadline applied when the apiserver's request
// carries no timeout query parameter.
const webhookDefaultTimeout = 10 * time.Second

// WithTimeoutContext stashes the apiserver's "timeout" query parameter (set
// from the webhook configuration's timeoutSeconds) onto ctx so Handle can
// later derive a real request deadline from it. Registered as the webhook's
// WithContextFunc, since req's raw *http.Request is not otherwise visible
// past this point.
func WithTimeoutContext(ctx context.Context, req *http.Request) context.Context {
	timeout := req.URL.Query().Get("timeout")
	if timeout == "" {
		return ctx
	}

	duration, err := time.ParseDuration(timeout)
	if err != nil {
		ctrl.Log.Error(err, "unable to parse timeout query parameter")
		return ctx
	}

	return context.WithValue(ctx, timeoutContextKey, duration)
}

// WithTimeout derives a context bounded by the duration WithTimeoutContext
// stashed, falling back to webhookDefaultTimeout when none was set.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	duration, ok := ctx.Value(timeoutContextKey).(time.Duration)
	if !ok {
		duration = webhookDefaultTimeout
	}
	return context.WithTimeout(ctx, duration)
}
