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

// keywordBodyLimit caps how much of the response the probe scans.
const keywordBodyLimit = 1 << 20

// KeywordProbe fetches a page and asserts presence (or absence) of a
// keyword in the body.
type KeywordProbe struct{}

// NewKeywordProbe builds a keyword probe.
func NewKeywordProbe() *KeywordProbe { return &KeywordProbe{} }

// Probe fetches desc.Target and scans the body.
func (p *KeywordProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Keyword
	if cfg == nil || cfg.Keyword == "" {
		return nil, types.NewError(types.KindValidation, "keyword probe without keyword config", nil)
	}
	client := httpClient(deadlineTimeout(ctx, desc), true, true, 5)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Target, nil)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "bad keyword target: "+desc.Target, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "request failed: "+desc.Target, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, keywordBodyLimit))
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "body read failed: "+desc.Target, err)
	}

	body, needle := string(raw), cfg.Keyword
	if !cfg.CaseSensitive {
		body = strings.ToLower(body)
		needle = strings.ToLower(needle)
	}
	found := strings.Contains(body, needle)

	switch {
	case cfg.MustContain && found:
		return result(desc, types.StatusUp, fmt.Sprintf("keyword %q present", cfg.Keyword), elapsed), nil
	case cfg.MustContain && !found:
		return result(desc, types.StatusDown, fmt.Sprintf("keyword %q missing", cfg.Keyword), elapsed), nil
	case found:
		return result(desc, types.StatusDown, fmt.Sprintf("forbidden keyword %q present", cfg.Keyword), elapsed), nil
	default:
		return result(desc, types.StatusUp, fmt.Sprintf("keyword %q absent", cfg.Keyword), elapsed), nil
	}
}
