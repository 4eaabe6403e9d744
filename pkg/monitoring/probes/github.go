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
	"time"

	"golang.org/x/oauth2"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// githubAPIBase is overridable for tests.
var githubAPIBase = "https://api.github.com"

// GitHubProbe checks a repository via the REST API: reachability,
// optionally the latest workflow-run conclusion and the open-issue
// count against its threshold.
type GitHubProbe struct{}

// NewGitHubProbe builds a github probe.
func NewGitHubProbe() *GitHubProbe { return &GitHubProbe{} }

// Probe queries api.github.com for desc.Target (owner/repo).
func (p *GitHubProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.GitHub
	if cfg == nil {
		cfg = &types.GitHubConfig{}
	}
	client := &http.Client{}
	if cfg.Token != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	client.Timeout = deadlineTimeout(ctx, desc)

	start := time.Now()
	repo := struct {
		OpenIssues int `json:"open_issues_count"`
	}{}
	if err := p.getJSON(ctx, client, fmt.Sprintf("%s/repos/%s", githubAPIBase, desc.Target), &repo); err != nil {
		return nil, err
	}

	if cfg.CheckWorkflows {
		runs := struct {
			WorkflowRuns []struct {
				Conclusion string `json:"conclusion"`
				Name       string `json:"name"`
			} `json:"workflow_runs"`
		}{}
		url := fmt.Sprintf("%s/repos/%s/actions/runs?per_page=1&status=completed", githubAPIBase, desc.Target)
		if cfg.Branch != "" {
			url += "&branch=" + cfg.Branch
		}
		if err := p.getJSON(ctx, client, url, &runs); err != nil {
			return nil, err
		}
		if len(runs.WorkflowRuns) > 0 && runs.WorkflowRuns[0].Conclusion != "success" {
			return result(desc, types.StatusDown,
				fmt.Sprintf("workflow %q concluded %s", runs.WorkflowRuns[0].Name, runs.WorkflowRuns[0].Conclusion),
				time.Since(start)), nil
		}
	}

	if cfg.CheckIssues && cfg.MaxOpenIssues > 0 {
		switch {
		case repo.OpenIssues > cfg.MaxOpenIssues:
			return result(desc, types.StatusDown,
				fmt.Sprintf("%d open issues exceeds threshold %d", repo.OpenIssues, cfg.MaxOpenIssues),
				time.Since(start)), nil
		case repo.OpenIssues*10 >= cfg.MaxOpenIssues*9:
			// Within 10% of the threshold.
			return result(desc, types.StatusDegraded,
				fmt.Sprintf("%d open issues near threshold %d", repo.OpenIssues, cfg.MaxOpenIssues),
				time.Since(start)), nil
		}
	}
	return result(desc, types.StatusUp, "repository healthy", time.Since(start)), nil
}

func (p *GitHubProbe) getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.NewError(types.KindValidation, "bad github url: "+url, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return types.NewError(types.KindNetwork, "github api unreachable", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewError(types.KindAuth, fmt.Sprintf("github api returned %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return types.NewError(types.KindNotFound, "repository not found", nil)
	case resp.StatusCode >= 500:
		return types.NewError(types.KindUpstream, fmt.Sprintf("github api returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return types.NewError(types.KindUpstream, fmt.Sprintf("github api returned %d", resp.StatusCode), nil)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.NewError(types.KindNetwork, "github response read failed", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return types.NewError(types.KindUpstream, "undecodable github response", err)
	}
	return nil
}
