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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/itchyny/gojq"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// AssertionProbe serves both the custom and uptime-api service types:
// fetch a JSON endpoint and evaluate the configured predicates. When
// several predicates are set, all must hold.
type AssertionProbe struct{}

// NewAssertionProbe builds an assertion probe.
func NewAssertionProbe() *AssertionProbe { return &AssertionProbe{} }

// Probe fetches desc.Target and evaluates status-code, regex and
// jq-path predicates over the response.
func (p *AssertionProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Assertion
	if cfg == nil {
		return nil, types.NewError(types.KindValidation, "assertion probe without assertion config", nil)
	}
	client := httpClient(deadlineTimeout(ctx, desc), true, true, 5)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Target, nil)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "bad assertion target: "+desc.Target, err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "request failed: "+desc.Target, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "body read failed: "+desc.Target, err)
	}

	if len(cfg.StatusCodes) > 0 && !statusAccepted(resp.StatusCode, cfg.StatusCodes) {
		return result(desc, types.StatusDown,
			fmt.Sprintf("HTTP %d not in accepted set", resp.StatusCode), elapsed), nil
	}

	if cfg.Regex != "" {
		re, err := regexp.Compile(cfg.Regex)
		if err != nil {
			return nil, types.NewError(types.KindValidation, "bad assertion regex: "+cfg.Regex, err)
		}
		if !re.Match(raw) {
			return result(desc, types.StatusDown,
				fmt.Sprintf("body does not match /%s/", cfg.Regex), elapsed), nil
		}
	}

	if cfg.JSONPath != "" {
		verdict, message, err := evalJSONPath(cfg.JSONPath, cfg.ExpectedValue, raw)
		if err != nil {
			return nil, err
		}
		if !verdict {
			return result(desc, types.StatusDown, message, elapsed), nil
		}
	}
	return result(desc, types.StatusUp, "all assertions hold", elapsed), nil
}

// evalJSONPath runs a jq expression over the body and compares the
// first emitted value with expected (string compare over fmt rendering;
// empty expected asserts truthiness).
func evalJSONPath(path, expected string, body []byte) (bool, string, error) {
	query, err := gojq.Parse(path)
	if err != nil {
		return false, "", types.NewError(types.KindValidation, "bad jq path: "+path, err)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, "response body is not JSON", nil
	}
	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false, fmt.Sprintf("path %s produced no value", path), nil
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Sprintf("path %s failed: %v", path, err), nil
	}
	if expected == "" {
		switch t := v.(type) {
		case nil:
			return false, fmt.Sprintf("path %s is null", path), nil
		case bool:
			if !t {
				return false, fmt.Sprintf("path %s is false", path), nil
			}
		}
		return true, "", nil
	}
	got := fmt.Sprintf("%v", v)
	if got != expected {
		return false, fmt.Sprintf("path %s = %q, want %q", path, got, expected), nil
	}
	return true, "", nil
}
