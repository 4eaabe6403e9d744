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
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Public status feeds; overridable for tests.
var (
	awsStatusURL   = "https://health.aws.amazon.com/public/currentevents"
	azureStatusURL = "https://status.azure.com/en-us/status/feed/"
	gcpStatusURL   = "https://status.cloud.google.com/incidents.json"
)

// AWSHealthProbe reports provider health from the public AWS status
// feed, filtered by region and configured services. Credentials, when
// present in the environment, validate that the configured region
// resolves.
type AWSHealthProbe struct{}

// NewAWSHealthProbe builds an aws-health probe.
func NewAWSHealthProbe() *AWSHealthProbe { return &AWSHealthProbe{} }

type awsEvent struct {
	Service   string `json:"service"`
	Region    string `json:"region"`
	Summary   string `json:"summary"`
	Status    string `json:"status"`
	EventType string `json:"event_type"`
}

// Probe fetches current AWS events and matches them against the
// configured region/services.
func (p *AWSHealthProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Cloud
	if cfg == nil {
		cfg = &types.CloudConfig{}
	}
	if cfg.Region != "" {
		// Resolves the region against the SDK's partition metadata;
		// a bad region is a configuration error, not an outage.
		if _, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region)); err != nil {
			return nil, types.NewError(types.KindValidation, "aws region rejected: "+cfg.Region, err)
		}
	}

	start := time.Now()
	raw, err := fetchFeed(ctx, awsStatusURL, deadlineTimeout(ctx, desc))
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	var feed map[string][]awsEvent
	if err := json.Unmarshal(raw, &feed); err != nil {
		return nil, types.NewError(types.KindUpstream, "undecodable aws status feed", err)
	}
	var hits []feedHit
	for _, events := range feed {
		for _, ev := range events {
			if awsResolved(ev) {
				continue
			}
			if cfg.Region != "" && ev.Region != "" && ev.Region != cfg.Region {
				continue
			}
			if len(cfg.Services) > 0 && !serviceListed(ev.Service, cfg.Services) {
				continue
			}
			hits = append(hits, feedHit{
				summary: fmt.Sprintf("%s: %s", ev.Service, ev.Summary),
				outage:  awsOutage(ev),
			})
		}
	}
	return feedVerdict(desc, "aws", hits, elapsed), nil
}

func awsResolved(ev awsEvent) bool {
	s := strings.ToLower(ev.Status)
	return s == "resolved" || s == "closed"
}

// awsOutage separates service-impacting events from advisories:
// scheduled changes and account notifications never take the verdict
// below degraded.
func awsOutage(ev awsEvent) bool {
	t := strings.ToLower(ev.EventType)
	return strings.Contains(t, "issue") || strings.Contains(t, "outage")
}

// AzureHealthProbe reports provider health from the Azure status feed.
type AzureHealthProbe struct{}

// NewAzureHealthProbe builds an azure-health probe.
func NewAzureHealthProbe() *AzureHealthProbe { return &AzureHealthProbe{} }

// Probe fetches the Azure RSS feed; any current incident item touching
// the configured region or services degrades the verdict.
func (p *AzureHealthProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Cloud
	if cfg == nil {
		cfg = &types.CloudConfig{}
	}
	start := time.Now()
	raw, err := fetchFeed(ctx, azureStatusURL, deadlineTimeout(ctx, desc))
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	body := strings.ToLower(string(raw))
	var hits []feedHit
	for _, item := range strings.Split(body, "<item>")[1:] {
		if cfg.Region != "" && !strings.Contains(item, strings.ToLower(cfg.Region)) {
			continue
		}
		if len(cfg.Services) > 0 && !anyListed(item, cfg.Services) {
			continue
		}
		// The RSS feed carries no severity field; an item mentioning an
		// outage is the only down signal available.
		hits = append(hits, feedHit{
			summary: feedTitle(item),
			outage:  strings.Contains(item, "outage"),
		})
	}
	return feedVerdict(desc, "azure", hits, elapsed), nil
}

// GCPHealthProbe reports provider health from the GCP incidents feed.
type GCPHealthProbe struct{}

// NewGCPHealthProbe builds a gcp-health probe.
func NewGCPHealthProbe() *GCPHealthProbe { return &GCPHealthProbe{} }

type gcpIncident struct {
	End              string `json:"end"`
	ExternalDesc     string `json:"external_desc"`
	Severity         string `json:"severity"`
	AffectedProducts []struct {
		Title string `json:"title"`
	} `json:"affected_products"`
	CurrentlyAffected []struct {
		Title string `json:"title"` // locations
	} `json:"currently_affected_locations"`
}

// Probe fetches incidents.json and matches open incidents against the
// configured region/services.
func (p *GCPHealthProbe) Probe(ctx context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Cloud
	if cfg == nil {
		cfg = &types.CloudConfig{}
	}
	start := time.Now()
	raw, err := fetchFeed(ctx, gcpStatusURL, deadlineTimeout(ctx, desc))
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}
	var incidents []gcpIncident
	if err := json.Unmarshal(raw, &incidents); err != nil {
		return nil, types.NewError(types.KindUpstream, "undecodable gcp incidents feed", err)
	}
	var hits []feedHit
	for _, inc := range incidents {
		if inc.End != "" {
			continue // resolved
		}
		if cfg.Region != "" && !gcpAffectsRegion(inc, cfg.Region) {
			continue
		}
		if len(cfg.Services) > 0 && !gcpAffectsService(inc, cfg.Services) {
			continue
		}
		hits = append(hits, feedHit{
			summary: inc.ExternalDesc,
			outage:  strings.EqualFold(inc.Severity, "high"),
		})
	}
	return feedVerdict(desc, "gcp", hits, elapsed), nil
}

func gcpAffectsRegion(inc gcpIncident, region string) bool {
	for _, loc := range inc.CurrentlyAffected {
		if strings.EqualFold(loc.Title, region) || strings.EqualFold(loc.Title, "global") {
			return true
		}
	}
	return false
}

func gcpAffectsService(inc gcpIncident, services []string) bool {
	for _, prod := range inc.AffectedProducts {
		if serviceListed(prod.Title, services) {
			return true
		}
	}
	return false
}

// feedHit is one matching incident with its outage classification.
type feedHit struct {
	summary string
	outage  bool
}

// feedVerdict classifies a provider check: no hits is up, advisory
// hits are degraded, any outage-class hit is down.
func feedVerdict(desc *types.ServiceDescriptor, provider string, hits []feedHit, elapsed time.Duration) *types.CheckResult {
	if len(hits) == 0 {
		return result(desc, types.StatusUp, provider+" reports no matching incidents", elapsed)
	}
	status := types.StatusDegraded
	outages := 0
	summaries := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.outage {
			outages++
		}
		summaries = append(summaries, h.summary)
	}
	if outages > 0 {
		status = types.StatusDown
	}
	msg := fmt.Sprintf("%s reports %d incident(s), %d outage(s): %s",
		provider, len(hits), outages, strings.Join(truncate(summaries, 3), "; "))
	return result(desc, status, msg, elapsed)
}

func fetchFeed(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "bad status feed url: "+url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "status feed unreachable: "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.KindUpstream, fmt.Sprintf("status feed returned %d", resp.StatusCode), nil)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, types.NewError(types.KindNetwork, "status feed read failed", err)
	}
	return raw, nil
}

func serviceListed(name string, services []string) bool {
	for _, s := range services {
		if strings.EqualFold(name, s) || strings.Contains(strings.ToLower(name), strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func anyListed(haystack string, services []string) bool {
	for _, s := range services {
		if strings.Contains(haystack, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func feedTitle(item string) string {
	if i := strings.Index(item, "<title>"); i >= 0 {
		rest := item[i+len("<title>"):]
		if j := strings.Index(rest, "</title>"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	return "unnamed incident"
}

func truncate(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return append(list[:n:n], "...")
}
