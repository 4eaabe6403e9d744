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
	"net"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// defaultPingPorts are tried in order when no fallback list is
// configured. Raw ICMP needs privileges the service usually lacks, so
// reachability is judged by TCP connect attempts.
var defaultPingPorts = []int{80, 443, 22}

// PingProbe checks host reachability via TCP connect fallback.
type PingProbe struct {
	dialer net.Dialer
}

// NewPingProbe builds a ping probe.
func NewPingProbe() *PingProbe { return &PingProbe{} }

// Probe tries each fallback port; any successful connect (or an
// active refusal, which proves the host answered) counts as reachable.
func (p *PingProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	ports := defaultPingPorts
	if desc.Ping != nil && len(desc.Ping.FallbackToPorts) > 0 {
		ports = desc.Ping.FallbackToPorts
	}
	perPort := deadlineTimeout(ctx, desc) / time.Duration(len(ports))
	if perPort < 500*time.Millisecond {
		perPort = 500 * time.Millisecond
	}

	start := time.Now()
	var lastErr error
	for _, port := range ports {
		addr := net.JoinHostPort(desc.Target, fmt.Sprintf("%d", port))
		dialCtx, cancel := context.WithTimeout(ctx, perPort)
		conn, err := p.dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return result(desc, types.StatusUp,
				fmt.Sprintf("host reachable on port %d", port), time.Since(start)), nil
		}
		if refusedOrReset(err) {
			// The host is alive; it just isn't listening here.
			return result(desc, types.StatusUp,
				fmt.Sprintf("host answered on port %d (refused)", port), time.Since(start)), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return nil, types.NewError(types.KindTimeout, "ping deadline exceeded: "+desc.Target, ctx.Err())
	}
	return result(desc, types.StatusDown,
		fmt.Sprintf("host unreachable: %v", lastErr), elapsed), nil
}
