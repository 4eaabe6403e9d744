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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

const defaultDockerSocket = "/var/run/docker.sock"

// DockerProbe counts running containers via the Engine API over the
// local unix socket.
type DockerProbe struct {
	client *http.Client
}

// NewDockerProbe builds a docker probe against the given socket path
// (empty means the default).
func NewDockerProbe(socketPath string) *DockerProbe {
	if socketPath == "" {
		socketPath = defaultDockerSocket
	}
	return &DockerProbe{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

type dockerContainer struct {
	Names  []string          `json:"Names"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
}

// Probe lists running containers and compares with expectedRunning.
// Matching is by name (containerNames) or label selector (k=v pairs).
func (p *DockerProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Container
	if cfg == nil || cfg.ExpectedRunning <= 0 {
		return nil, types.NewError(types.KindValidation, "docker probe without container config", nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, deadlineTimeout(ctx, desc))
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		"http://docker/containers/json?all=false", nil)
	if err != nil {
		return nil, types.NewError(types.KindInternal, "docker request build failed", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "docker engine unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindUpstream, fmt.Sprintf("docker engine returned %d", resp.StatusCode), nil)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "docker response read failed", err)
	}
	var containers []dockerContainer
	if err := json.Unmarshal(raw, &containers); err != nil {
		return nil, types.NewError(types.KindUpstream, "undecodable docker response", err)
	}

	running := 0
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		if !dockerMatches(c, cfg.ContainerNames, cfg.LabelSelector) {
			continue
		}
		running++
	}
	msg := fmt.Sprintf("%d/%d containers running", running, cfg.ExpectedRunning)
	switch {
	case running >= cfg.ExpectedRunning:
		return result(desc, types.StatusUp, msg, elapsed), nil
	case running > 0:
		return result(desc, types.StatusDegraded, msg, elapsed), nil
	default:
		return result(desc, types.StatusDown, msg, elapsed), nil
	}
}

// dockerMatches applies name and label filters; empty filters match
// everything.
func dockerMatches(c dockerContainer, names []string, labelSelector string) bool {
	if len(names) > 0 {
		matched := false
		for _, want := range names {
			for _, have := range c.Names {
				if strings.TrimPrefix(have, "/") == want {
					matched = true
				}
			}
		}
		if !matched {
			return false
		}
	}
	if labelSelector != "" {
		for _, pair := range strings.Split(labelSelector, ",") {
			k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
			if !found {
				if _, ok := c.Labels[k]; !ok {
					return false
				}
				continue
			}
			if c.Labels[k] != v {
				return false
			}
		}
	}
	return true
}
