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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// SSLProbe completes a TLS handshake and judges the leaf certificate's
// validity window against warningDays. The target defaults to port 443.
type SSLProbe struct{}

// NewSSLProbe builds an ssl probe.
func NewSSLProbe() *SSLProbe { return &SSLProbe{} }

// Probe handshakes with desc.Target. Expired, untrusted or mismatched
// certificates are down verdicts; exactly warningDays of margin is a
// warning, strictly less is degraded.
func (p *SSLProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.SSL
	if cfg == nil {
		cfg = &types.SSLConfig{WarningDays: 30}
	}
	warningDays := cfg.WarningDays
	if warningDays <= 0 {
		warningDays = 30
	}
	host, addr := sslAddr(desc.Target)

	dialer := &net.Dialer{Timeout: deadlineTimeout(ctx, desc)}
	start := time.Now()
	// Skip built-in verification so the chain can be classified rather
	// than surfaced as an opaque dial error.
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec // verification done explicitly below
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "tls handshake failed: "+addr, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return result(desc, types.StatusDown, "no certificate presented", elapsed), nil
	}
	leaf := state.PeerCertificates[0]
	now := time.Now()

	if now.After(leaf.NotAfter) {
		return result(desc, types.StatusDown,
			fmt.Sprintf("certificate expired %s ago", now.Sub(leaf.NotAfter).Round(time.Hour)), elapsed), nil
	}
	if now.Before(leaf.NotBefore) {
		return result(desc, types.StatusDown, "certificate not yet valid", elapsed), nil
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return result(desc, types.StatusDown, "hostname mismatch: "+err.Error(), elapsed), nil
	}
	if err := verifyChain(leaf, state.PeerCertificates[1:], host, cfg.RequireChain); err != nil {
		return result(desc, types.StatusDown, "untrusted chain: "+err.Error(), elapsed), nil
	}

	remaining := leaf.NotAfter.Sub(now)
	warnAt := time.Duration(warningDays) * 24 * time.Hour
	days := int(remaining.Hours() / 24)
	switch {
	case remaining < warnAt:
		return result(desc, types.StatusDegraded,
			fmt.Sprintf("certificate expires in %d days", days), elapsed), nil
	case remaining == warnAt:
		return result(desc, types.StatusWarning,
			fmt.Sprintf("certificate expires in exactly %d days", warningDays), elapsed), nil
	default:
		return result(desc, types.StatusUp,
			fmt.Sprintf("certificate valid for %d more days", days), elapsed), nil
	}
}

// verifyChain checks the leaf against the system roots; when the chain
// is required, intermediates must come from the handshake itself.
func verifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate, host string, requireChain bool) error {
	opts := x509.VerifyOptions{DNSName: host}
	if len(intermediates) > 0 {
		opts.Intermediates = x509.NewCertPool()
		for _, c := range intermediates {
			opts.Intermediates.AddCert(c)
		}
	} else if requireChain {
		return fmt.Errorf("server sent no intermediate certificates")
	}
	_, err := leaf.Verify(opts)
	return err
}

// sslAddr splits an optional port off the target, defaulting to 443.
func sslAddr(target string) (host, addr string) {
	if h, p, err := net.SplitHostPort(target); err == nil {
		return h, net.JoinHostPort(h, p)
	}
	host = strings.TrimSpace(target)
	return host, net.JoinHostPort(host, "443")
}
