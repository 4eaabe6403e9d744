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

// Package types holds the shared contracts used across the monitoring
// core: service definitions, check results, failover records, DLQ
// messages and stored entries.
//
// This package is the authoritative source for these schemas. All
// services (registry, engine, failover controller, storage adapter,
// analytics sink) MUST use these definitions; cross-component
// references are ids, never pointers.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// ServiceType is the discriminator for the closed set of probe kinds.
type ServiceType string

const (
	ServiceTypeWeb         ServiceType = "web"
	ServiceTypeTCP         ServiceType = "tcp"
	ServiceTypePing        ServiceType = "ping"
	ServiceTypeDNS         ServiceType = "dns"
	ServiceTypeSSL         ServiceType = "ssl"
	ServiceTypeKeyword     ServiceType = "keyword"
	ServiceTypePort        ServiceType = "port"
	ServiceTypeHeartbeat   ServiceType = "heartbeat"
	ServiceTypeGitHub      ServiceType = "github"
	ServiceTypeUptimeAPI   ServiceType = "uptime-api"
	ServiceTypeCustom      ServiceType = "custom"
	ServiceTypeAWSHealth   ServiceType = "aws-health"
	ServiceTypeAzureHealth ServiceType = "azure-health"
	ServiceTypeGCPHealth   ServiceType = "gcp-health"
	ServiceTypeKubernetes  ServiceType = "kubernetes"
	ServiceTypeDocker      ServiceType = "docker"
)

// ServiceStatus is a probe's semantic verdict, not the transport outcome.
type ServiceStatus string

const (
	StatusUp          ServiceStatus = "up"
	StatusDown        ServiceStatus = "down"
	StatusDegraded    ServiceStatus = "degraded"
	StatusMaintenance ServiceStatus = "maintenance"
	StatusUnknown     ServiceStatus = "unknown"
	StatusWarning     ServiceStatus = "warning"
)

// Criticality is advisory and surfaced to alerts.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// nestIDPattern bounds tenant identifiers: lowercase alphanumeric
// plus -_ and at most 64 characters. The nest id is the sole
// isolation boundary for everything persisted.
var nestIDPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidNestID reports whether id is an acceptable tenant identifier.
func ValidNestID(id string) bool {
	return nestIDPattern.MatchString(id)
}

// Interval bounds for service schedules.
const (
	MinInterval = 30 * time.Second
	MaxInterval = 24 * time.Hour
)

// ServiceDefinition is the per-tenant record describing one monitored
// target. Owned by the control plane; the engine consumes the
// converted ServiceDescriptor and never mutates the definition beyond
// its runtime shadow.
type ServiceDefinition struct {
	ID          string      `json:"id" validate:"required"`
	NestID      string      `json:"nestId" validate:"required"`
	Name        string      `json:"name" validate:"required,min=1,max=128"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty" validate:"max=16,dive,max=64"`
	Group       string      `json:"group,omitempty"`
	Category    string      `json:"category,omitempty"`
	Type        ServiceType `json:"type" validate:"required"`
	Target      string      `json:"target" validate:"required"`

	// Schedule. Interval is bounded to [30s, 24h]; Timeout and
	// RetryDelay are per attempt. Retries left nil defers to the
	// engine default; an explicit zero disables retries.
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
	Retries    *int          `json:"retries,omitempty" validate:"omitempty,min=0,max=10"`
	RetryDelay time.Duration `json:"retryDelay,omitempty"`
	Enabled    bool          `json:"enabled"`

	// Per-type configuration blocks; exactly the one matching Type is
	// consulted.
	Web        *WebConfig        `json:"web,omitempty"`
	TCP        *TCPConfig        `json:"tcp,omitempty"`
	Ping       *PingConfig       `json:"ping,omitempty"`
	DNS        *DNSConfig        `json:"dns,omitempty"`
	SSL        *SSLConfig        `json:"ssl,omitempty"`
	Keyword    *KeywordConfig    `json:"keyword,omitempty"`
	Heartbeat  *HeartbeatConfig  `json:"heartbeat,omitempty"`
	GitHub     *GitHubConfig     `json:"github,omitempty"`
	Assertion  *AssertionConfig  `json:"assertion,omitempty"`
	Cloud      *CloudConfig      `json:"cloud,omitempty"`
	Container  *ContainerConfig  `json:"container,omitempty"`

	Alerting       *AlertPolicy `json:"alerting,omitempty"`
	Criticality    Criticality  `json:"criticality,omitempty"`
	BusinessImpact string       `json:"businessImpact,omitempty"`

	// Runtime mutable shadow, owned by the engine.
	LastStatus    ServiceStatus `json:"lastStatus,omitempty"`
	LastCheck     time.Time     `json:"lastCheck,omitempty"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	ResponseTime  time.Duration `json:"responseTime,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// WebConfig configures the web probe.
type WebConfig struct {
	Method             string            `json:"method,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               string            `json:"body,omitempty"`
	Username           string            `json:"username,omitempty"`
	Password           string            `json:"password,omitempty"`
	AcceptedStatus     []int             `json:"acceptedStatus,omitempty"`
	FollowRedirects    bool              `json:"followRedirects,omitempty"`
	MaxRedirects       int               `json:"maxRedirects,omitempty"`
	VerifySSL          *bool             `json:"verifySSL,omitempty"`
}

// TCPConfig configures tcp/port probes.
type TCPConfig struct {
	Network        string `json:"network,omitempty"` // tcp or udp, default tcp
	Send           string `json:"send,omitempty"`
	ExpectedBanner string `json:"expectedBanner,omitempty"`
}

// PingConfig configures the ping probe.
type PingConfig struct {
	FallbackToPorts []int `json:"fallbackToPorts,omitempty"`
}

// DNSConfig configures the dns probe.
type DNSConfig struct {
	RecordType    string `json:"recordType" validate:"omitempty,oneof=A AAAA CNAME MX TXT NS PTR SOA"`
	ExpectedValue string `json:"expectedValue,omitempty"`
	Resolver      string `json:"resolver,omitempty"` // host:port of a custom resolver
}

// SSLConfig configures the ssl probe.
type SSLConfig struct {
	WarningDays   int  `json:"warningDays,omitempty"`
	RequireChain  bool `json:"requireChain,omitempty"`
}

// KeywordConfig configures the keyword probe.
type KeywordConfig struct {
	Keyword       string `json:"keyword" validate:"required"`
	CaseSensitive bool   `json:"caseSensitive,omitempty"`
	MustContain   bool   `json:"mustContain"`
}

// HeartbeatConfig configures the heartbeat deadline probe.
// Heartbeats arrive out-of-band via the registration endpoint.
type HeartbeatConfig struct {
	ExpectedInterval time.Duration `json:"expectedInterval"`
	Tolerance        time.Duration `json:"tolerance,omitempty"`
}

// GitHubConfig configures the github repository probe.
type GitHubConfig struct {
	Branch          string `json:"branch,omitempty"`
	Token           string `json:"token,omitempty"`
	CheckWorkflows  bool   `json:"checkWorkflows,omitempty"`
	CheckIssues     bool   `json:"checkIssues,omitempty"`
	CheckReleases   bool   `json:"checkReleases,omitempty"`
	MaxOpenIssues   int    `json:"maxOpenIssues,omitempty"`
}

// AssertionConfig configures custom / uptime-api probes. Exactly one
// of JSONPath, Regex or (non-empty) StatusCodes drives the verdict;
// when several are set, all must hold.
type AssertionConfig struct {
	JSONPath      string   `json:"jsonPath,omitempty"`
	ExpectedValue string   `json:"expectedValue,omitempty"`
	Regex         string   `json:"regex,omitempty"`
	StatusCodes   []int    `json:"statusCodes,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// CloudConfig configures aws/azure/gcp provider-health probes.
type CloudConfig struct {
	Region   string   `json:"region,omitempty"`
	Services []string `json:"services,omitempty"`
}

// ContainerConfig configures kubernetes/docker probes.
type ContainerConfig struct {
	Namespace       string   `json:"namespace,omitempty"`
	LabelSelector   string   `json:"labelSelector,omitempty"`
	ContainerNames  []string `json:"containerNames,omitempty"`
	ExpectedRunning int      `json:"expectedRunning,omitempty"`
}

// AlertPolicy describes when and where to alert. Applied by the alert
// subsystem, which is outside the core; the engine only attaches the
// policy to alert-eligibility events.
type AlertPolicy struct {
	Channels            []string      `json:"channels,omitempty"`
	MinConsecutiveFails int           `json:"minConsecutiveFails,omitempty"`
	AlertDelay          time.Duration `json:"alertDelay,omitempty"`
	RecoveryDelay       time.Duration `json:"recoveryDelay,omitempty"`
	QuietHours          []QuietWindow `json:"quietHours,omitempty"`
	Escalation          []string      `json:"escalation,omitempty"`
}

// QuietWindow is a daily window during which alerts are suppressed.
type QuietWindow struct {
	Start string `json:"start"` // "22:00"
	End   string `json:"end"`   // "06:00"
}

// ServiceDescriptor is the flattened runtime view the probe
// implementations read. Descriptors are immutable once dispatched.
type ServiceDescriptor struct {
	ServiceID  string
	NestID     string
	Name       string
	Type       ServiceType
	Target     string
	Timeout    time.Duration
	Interval   time.Duration
	Retries    int // -1 when the definition leaves it unset
	RetryDelay time.Duration

	Web       *WebConfig
	TCP       *TCPConfig
	Ping      *PingConfig
	DNS       *DNSConfig
	SSL       *SSLConfig
	Keyword   *KeywordConfig
	Heartbeat *HeartbeatConfig
	GitHub    *GitHubConfig
	Assertion *AssertionConfig
	Cloud     *CloudConfig
	Container *ContainerConfig
}

// CheckResult is emitted once per probe execution.
type CheckResult struct {
	ServiceID     string                 `json:"serviceId"`
	NestID        string                 `json:"nestId"`
	Status        ServiceStatus          `json:"status"`
	Message       string                 `json:"message,omitempty"`
	ResponseTime  time.Duration          `json:"responseTime,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CheckDuration time.Duration          `json:"checkDuration"`
	Attempt       int                    `json:"attempt"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// DLQMessage is the parked form of a message whose processing failed.
type DLQMessage struct {
	ID                 string            `json:"id"`
	OriginalQueue      string            `json:"originalQueue"`
	OriginalExchange   string            `json:"originalExchange,omitempty"`
	OriginalRoutingKey string            `json:"originalRoutingKey,omitempty"`
	Content            []byte            `json:"content"`
	Headers            map[string]string `json:"headers,omitempty"`
	FirstFailedAt      time.Time         `json:"firstFailedAt"`
	RetryCount         int               `json:"retryCount"`
	MaxRetries         int               `json:"maxRetries"`
	LastError          string            `json:"lastError,omitempty"`
}

// StoredEntry is what the storage adapter keeps in its cache layer.
type StoredEntry struct {
	IsolationKey string    `json:"isolationKey"`
	Payload      []byte    `json:"payload"`
	EntityKey    string    `json:"entityKey,omitempty"` // backend id, empty when cache-only
	Timestamp    time.Time `json:"timestamp"`
	TTL          time.Duration `json:"ttl,omitempty"`
	Compressed   bool      `json:"compressed,omitempty"`
	Encrypted    bool      `json:"encrypted,omitempty"`
	Synced       bool      `json:"synced"`
}

// DataType partitions stored artifacts inside one nest.
type DataType string

const (
	DataTypeServiceStatus  DataType = "SERVICE_STATUS"
	DataTypeMonitoringData DataType = "MONITORING_DATA"
	DataTypeSLAData        DataType = "SLA_DATA"
	DataTypeFailoverConfig DataType = "FAILOVER_CONFIG"
	DataTypeAnalytics      DataType = "ANALYTICS"
	DataTypeDLQFailures    DataType = "DLQ_FAILURES"
	DataTypeDefinitions    DataType = "SERVICE_DEFINITIONS"
)

// IsolationKey builds the canonical persisted key
// nest:<nestId>:<dataType>:<key-or-"default">.
func IsolationKey(nestID string, dataType DataType, key string) string {
	if key == "" {
		key = "default"
	}
	return fmt.Sprintf("nest:%s:%s:%s", nestID, dataType, key)
}
