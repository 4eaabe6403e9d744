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

// Package probes implements one check per service type. A probe
// respects its context deadline, never mutates the descriptor and
// classifies its outcome into up/down/degraded/unknown with a human
// message. Probes never retry; the engine's attempt loop does.
package probes

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Prober is the single probe operation every kind implements.
type Prober interface {
	// Probe runs one check. A returned error is a transport-class
	// failure eligible for the engine's retry loop; a semantic "the
	// target is down" verdict is a result, not an error.
	Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error)
}

// Set maps type tags to implementations. The set is closed: dispatch
// is by tag, not by subclassing.
type Set map[types.ServiceType]Prober

// HeartbeatStore records out-of-band heartbeats for the heartbeat
// probe; the HTTP surface writes it, the probe reads it.
type HeartbeatStore interface {
	Beat(nestID, serviceID string, at time.Time)
	Last(nestID, serviceID string) (time.Time, bool)
}

// DefaultSet wires every built-in probe kind.
func DefaultSet(heartbeats HeartbeatStore, kube KubeClient) Set {
	web := NewWebProbe()
	tcp := NewTCPProbe()
	assert := NewAssertionProbe()
	return Set{
		types.ServiceTypeWeb:         web,
		types.ServiceTypeKeyword:     NewKeywordProbe(),
		types.ServiceTypeTCP:         tcp,
		types.ServiceTypePort:        tcp,
		types.ServiceTypePing:        NewPingProbe(),
		types.ServiceTypeDNS:         NewDNSProbe(),
		types.ServiceTypeSSL:         NewSSLProbe(),
		types.ServiceTypeHeartbeat:   NewHeartbeatProbe(heartbeats),
		types.ServiceTypeGitHub:      NewGitHubProbe(),
		types.ServiceTypeCustom:      assert,
		types.ServiceTypeUptimeAPI:   assert,
		types.ServiceTypeAWSHealth:   NewAWSHealthProbe(),
		types.ServiceTypeAzureHealth: NewAzureHealthProbe(),
		types.ServiceTypeGCPHealth:   NewGCPHealthProbe(),
		types.ServiceTypeKubernetes:  NewKubernetesProbe(kube),
		types.ServiceTypeDocker:      NewDockerProbe(""),
	}
}

// result builds a CheckResult stamped with identity and timing.
func result(desc *types.ServiceDescriptor, status types.ServiceStatus, message string, responseTime time.Duration) *types.CheckResult {
	return &types.CheckResult{
		ServiceID:    desc.ServiceID,
		NestID:       desc.NestID,
		Status:       status,
		Message:      message,
		ResponseTime: responseTime,
		Timestamp:    time.Now(),
	}
}

// httpClient builds a per-probe client honoring redirect and TLS
// settings. Clients are cheap; per-call construction keeps probes
// stateless.
func httpClient(timeout time.Duration, verifySSL bool, followRedirects bool, maxRedirects int) *http.Client {
	transport := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: !verifySSL}, //nolint:gosec // operator-controlled per service
		DisableKeepAlives: true,
	}
	client := &http.Client{Timeout: timeout, Transport: transport}
	if !followRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}
	return client
}

// deadlineTimeout derives the per-call timeout from the descriptor,
// bounded by the context deadline the engine set.
func deadlineTimeout(ctx context.Context, desc *types.ServiceDescriptor) time.Duration {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}
