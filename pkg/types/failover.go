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

package types

import "time"

// EndpointStatus is the failover controller's view of one replica.
type EndpointStatus string

const (
	EndpointHealthy     EndpointStatus = "HEALTHY"
	EndpointDegraded    EndpointStatus = "DEGRADED"
	EndpointUnhealthy   EndpointStatus = "UNHEALTHY"
	EndpointMaintenance EndpointStatus = "MAINTENANCE"
)

// ServiceEndpoint is one replica of a logical service. References
// between endpoints, rules and events are always ids.
type ServiceEndpoint struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	URL             string         `json:"url"`
	HealthCheckPath string         `json:"healthCheckPath"`
	Region          string         `json:"region,omitempty"`
	Priority        int            `json:"priority"` // lower = preferred
	Capacity        int            `json:"capacity,omitempty"`
	CurrentLoad     int            `json:"currentLoad"`
	Status          EndpointStatus `json:"status"`
	LastHealthCheck time.Time      `json:"lastHealthCheck,omitempty"`
}

// ConditionMetric names the rolling-window quantity a trigger
// condition is computed from.
type ConditionMetric string

const (
	MetricResponseTime ConditionMetric = "response_time"
	MetricErrorRate    ConditionMetric = "error_rate"
	MetricAvailability ConditionMetric = "availability"
	MetricCustom       ConditionMetric = "custom"
)

// TriggerCondition compares a rolling metric against a threshold.
type TriggerCondition struct {
	Metric    ConditionMetric `json:"metric"`
	Operator  string          `json:"operator"` // gt, gte, lt, lte, eq
	Threshold float64         `json:"threshold"`
	// WindowSeconds bounds the samples the metric is computed over;
	// zero means the controller's full retention window.
	WindowSeconds int `json:"windowSeconds,omitempty"`
}

// FailoverStrategyType selects how traffic moves off a failing source.
type FailoverStrategyType string

const (
	StrategyImmediate          FailoverStrategyType = "IMMEDIATE"
	StrategyGradual            FailoverStrategyType = "GRADUAL"
	StrategyBlueGreen          FailoverStrategyType = "BLUE_GREEN"
	StrategyCanary             FailoverStrategyType = "CANARY"
	StrategyWeightedRoundRobin FailoverStrategyType = "WEIGHTED_ROUND_ROBIN"
)

// TargetSelection picks the replacement endpoint.
type TargetSelection string

const (
	SelectHighestPriority TargetSelection = "HIGHEST_PRIORITY"
	SelectLowestLoad      TargetSelection = "LOWEST_LOAD"
	SelectRandom          TargetSelection = "RANDOM"
	SelectClosestRegion   TargetSelection = "CLOSEST_REGION"
	SelectRoundRobin      TargetSelection = "ROUND_ROBIN"
	SelectCustom          TargetSelection = "CUSTOM"
)

// FailoverStrategy is the execution plan attached to a rule.
type FailoverStrategy struct {
	Type         FailoverStrategyType `json:"type"`
	Selection    TargetSelection      `json:"selection,omitempty"`
	DrainTimeout time.Duration        `json:"drainTimeout,omitempty"`
	Steps        int                  `json:"steps,omitempty"`
	CanaryShare  float64              `json:"canaryShare,omitempty"`
}

// RecoveryType controls whether recovery runs unattended.
type RecoveryType string

const (
	RecoveryAutomatic RecoveryType = "AUTOMATIC"
	RecoveryManual    RecoveryType = "MANUAL"
)

// RecoveryStrategy describes the ramp back to the recovered source.
type RecoveryStrategy struct {
	Type                       RecoveryType  `json:"type"`
	ConsecutiveSuccessRequired int           `json:"consecutiveSuccessRequired,omitempty"`
	RecoveryDelay              time.Duration `json:"recoveryDelay,omitempty"`
	InitialPercentage          int           `json:"initialPercentage,omitempty"`
	IncrementPercentage        int           `json:"incrementPercentage,omitempty"`
	IncrementInterval          time.Duration `json:"incrementInterval,omitempty"`
}

// FailoverRule binds trigger conditions to a strategy for every
// endpoint whose name matches ServicePattern.
type FailoverRule struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	ServicePattern    string             `json:"servicePattern"` // regex over endpoint name
	TriggerConditions []TriggerCondition `json:"triggerConditions"`
	FailoverStrategy  FailoverStrategy   `json:"failoverStrategy"`
	RecoveryStrategy  RecoveryStrategy   `json:"recoveryStrategy"`
	CooldownPeriod    time.Duration      `json:"cooldownPeriod,omitempty"`
	Priority          int                `json:"priority,omitempty"`
	Enabled           bool               `json:"enabled"`
}

// FailoverEventStatus is the state machine of one source→target move.
type FailoverEventStatus string

const (
	FailoverTriggered  FailoverEventStatus = "triggered"
	FailoverInProgress FailoverEventStatus = "in_progress"
	FailoverCompleted  FailoverEventStatus = "completed"
	FailoverFailed     FailoverEventStatus = "failed"
	FailoverRecovering FailoverEventStatus = "recovering"
	FailoverRecovered  FailoverEventStatus = "recovered"
)

// FailoverEvent is the immutable, append-only record of a triggered
// failover. Status advances monotonically; condition values are a
// snapshot taken at trigger time.
type FailoverEvent struct {
	ID                  string              `json:"id"`
	Timestamp           time.Time           `json:"timestamp"`
	RuleID              string              `json:"ruleId"`
	SourceEndpoint      string              `json:"sourceEndpoint"`
	TargetEndpoint      string              `json:"targetEndpoint"`
	Status              FailoverEventStatus `json:"status"`
	Conditions          map[string]float64  `json:"conditions,omitempty"`
	AffectedConnections int                 `json:"affectedConnections,omitempty"`
	Duration            time.Duration       `json:"duration,omitempty"`
	RecoveredAt         *time.Time          `json:"recoveredAt,omitempty"`
}

// HealthSample is one probe of an endpoint's health path, kept in the
// controller's rolling metrics window.
type HealthSample struct {
	Timestamp    time.Time     `json:"timestamp"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"responseTime"`
	StatusCode   int           `json:"statusCode,omitempty"`
}
