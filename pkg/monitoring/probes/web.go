/*
Copyright 2025 GuardAnt Authors.

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

package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// WebProbe performs an HTTP(S) request and judges the response by
// status code. Response-time degradation against the rolling baseline
// is applied by the engine, which owns the history.
type WebProbe struct{}

// NewWebProbe builds a web probe.
func NewWebProbe() *WebProbe { return &WebProbe{} }

// Probe issues the configured request against desc.Target.
func (p *WebProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Web
	if cfg == nil {
		cfg = &types.WebConfig{}
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	verify := true
	if cfg.VerifySSL != nil {
		verify = *cfg.VerifySSL
	}
	client := httpClient(deadlineTimeout(ctx, desc), verify, cfg.FollowRedirects, cfg.MaxRedirects)

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, desc.Target, body)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "bad web target: "+desc.Target, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "request failed: "+desc.Target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // drain for keep-alive reuse

	if statusAccepted(resp.StatusCode, cfg.AcceptedStatus) {
		return result(desc, types.StatusUp, fmt.Sprintf("HTTP %d", resp.StatusCode), elapsed), nil
	}
	return result(desc, types.StatusDown, fmt.Sprintf("unexpected HTTP %d", resp.StatusCode), elapsed), nil
}

// statusAccepted defaults to 2xx/3xx when no explicit list is set.
func statusAccepted(code int, accepted []int) bool {
	if len(accepted) == 0 {
		return code >= 200 && code < 400
	}
	for _, a := range accepted {
		if code == a {
			return true
		}
	}
	return false
}
