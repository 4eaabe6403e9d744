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
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// DNSProbe resolves a record of the requested type, optionally against
// a custom resolver, and matches expectedValue against the answer set.
type DNSProbe struct{}

// NewDNSProbe builds a dns probe.
func NewDNSProbe() *DNSProbe { return &DNSProbe{} }

// Probe resolves desc.Target. NXDOMAIN is a down verdict; resolver
// timeouts are retryable errors.
func (p *DNSProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.DNS
	if cfg == nil {
		cfg = &types.DNSConfig{}
	}
	recordType := strings.ToUpper(cfg.RecordType)
	if recordType == "" {
		recordType = "A"
	}
	resolver := net.DefaultResolver
	if cfg.Resolver != "" {
		resolver = customResolver(cfg.Resolver, deadlineTimeout(ctx, desc))
	}

	lookupCtx, cancel := context.WithTimeout(ctx, deadlineTimeout(ctx, desc))
	defer cancel()

	start := time.Now()
	answers, err := lookup(lookupCtx, resolver, recordType, desc.Target)
	elapsed := time.Since(start)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return result(desc, types.StatusDown, "NXDOMAIN: "+desc.Target, elapsed), nil
		}
		return nil, types.NewError(types.KindNetwork, "resolution failed: "+desc.Target, err)
	}
	if len(answers) == 0 {
		return result(desc, types.StatusDown,
			fmt.Sprintf("no %s records for %s", recordType, desc.Target), elapsed), nil
	}

	if cfg.ExpectedValue != "" {
		for _, a := range answers {
			if strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(cfg.ExpectedValue, ".")) {
				return result(desc, types.StatusUp,
					fmt.Sprintf("%s record matches %s", recordType, cfg.ExpectedValue), elapsed), nil
			}
		}
		return result(desc, types.StatusDown,
			fmt.Sprintf("no %s record matches %s (got %s)", recordType, cfg.ExpectedValue, strings.Join(answers, ", ")), elapsed), nil
	}
	return result(desc, types.StatusUp,
		fmt.Sprintf("%d %s record(s)", len(answers), recordType), elapsed), nil
}

// lookup dispatches on record type over net.Resolver.
func lookup(ctx context.Context, r *net.Resolver, recordType, host string) ([]string, error) {
	switch recordType {
	case "A", "AAAA":
		network := "ip4"
		if recordType == "AAAA" {
			network = "ip6"
		}
		ips, err := r.LookupIP(ctx, network, host)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(ips))
		for _, ip := range ips {
			out = append(out, ip.String())
		}
		return out, nil
	case "CNAME":
		cname, err := r.LookupCNAME(ctx, host)
		if err != nil {
			return nil, err
		}
		return []string{cname}, nil
	case "MX":
		mxs, err := r.LookupMX(ctx, host)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(mxs))
		for _, mx := range mxs {
			out = append(out, mx.Host)
		}
		return out, nil
	case "TXT":
		return r.LookupTXT(ctx, host)
	case "NS":
		nss, err := r.LookupNS(ctx, host)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(nss))
		for _, ns := range nss {
			out = append(out, ns.Host)
		}
		return out, nil
	case "PTR":
		return r.LookupAddr(ctx, host)
	case "SOA":
		// net.Resolver has no SOA lookup; NS reachability stands in for
		// zone authority.
		nss, err := r.LookupNS(ctx, host)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(nss))
		for _, ns := range nss {
			out = append(out, ns.Host)
		}
		return out, nil
	default:
		return nil, types.NewError(types.KindValidation, "unsupported record type: "+recordType, nil)
	}
}

// customResolver dials the configured host:port for every query.
func customResolver(addr string, timeout time.Duration) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		},
	}
}
