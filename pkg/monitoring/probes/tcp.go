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
	"strings"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// TCPProbe dials host:port and optionally exchanges a banner. Serves
// both the tcp and port service types.
type TCPProbe struct {
	dialer net.Dialer
}

// NewTCPProbe builds a tcp/port probe.
func NewTCPProbe() *TCPProbe { return &TCPProbe{} }

// Probe connects to desc.Target; connection refused or reset is a
// down verdict, timeouts surface as retryable errors.
func (p *TCPProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.TCP
	if cfg == nil {
		cfg = &types.TCPConfig{}
	}
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}

	dialCtx, cancel := context.WithTimeout(ctx, deadlineTimeout(ctx, desc))
	defer cancel()

	start := time.Now()
	conn, err := p.dialer.DialContext(dialCtx, network, desc.Target)
	elapsed := time.Since(start)
	if err != nil {
		if refusedOrReset(err) {
			return result(desc, types.StatusDown, "connection refused: "+desc.Target, elapsed), nil
		}
		return nil, types.NewError(types.KindNetwork, "dial failed: "+desc.Target, err)
	}
	defer conn.Close()

	if cfg.Send == "" && cfg.ExpectedBanner == "" {
		return result(desc, types.StatusUp, "port open", elapsed), nil
	}

	if dl, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(dl) //nolint:errcheck
	}
	if cfg.Send != "" {
		if _, err := conn.Write([]byte(cfg.Send)); err != nil {
			return nil, types.NewError(types.KindNetwork, "banner write failed: "+desc.Target, err)
		}
	}
	if cfg.ExpectedBanner != "" {
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			return nil, types.NewError(types.KindNetwork, "banner read failed: "+desc.Target, err)
		}
		banner := string(buf[:n])
		if !strings.Contains(banner, cfg.ExpectedBanner) {
			return result(desc, types.StatusDown,
				fmt.Sprintf("banner %q does not contain %q", strings.TrimSpace(banner), cfg.ExpectedBanner), elapsed), nil
		}
	}
	return result(desc, types.StatusUp, "port open, banner matched", elapsed), nil
}

// refusedOrReset distinguishes active rejection (the host answered, the
// service is down) from transport failures worth retrying.
func refusedOrReset(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
