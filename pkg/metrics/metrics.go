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

// Package metrics exposes the monitoring core's Prometheus metrics.
// Components receive a *Metrics value; tests construct one against an
// isolated registry with NewWithRegistry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the instruments of every core component.
type Metrics struct {
	Registry *prometheus.Registry

	// Engine
	ChecksTotal       *prometheus.CounterVec   // type, status
	CheckDuration     *prometheus.HistogramVec // type
	CheckRetries      *prometheus.CounterVec   // type
	ChecksInFlight    prometheus.Gauge
	ScheduledServices prometheus.Gauge
	CoalescedTriggers prometheus.Counter

	// Resilience
	BreakerState      *prometheus.GaugeVec   // name (0 closed, 1 half-open, 2 open)
	BreakerTrips      *prometheus.CounterVec // name
	RateLimitDenials  *prometheus.CounterVec // scope
	PoolActive        *prometheus.GaugeVec   // pool
	PoolIdle          *prometheus.GaugeVec   // pool
	PoolWaiting       *prometheus.GaugeVec   // pool
	PoolAcquireWait   *prometheus.HistogramVec

	// DLQ
	DLQParked            *prometheus.CounterVec // queue
	DLQRetried           *prometheus.CounterVec // queue
	DLQPermanentFailures *prometheus.CounterVec // queue, error_class

	// Storage adapter
	StorageOps      *prometheus.CounterVec // op, outcome
	StorageUnsynced prometheus.Gauge
	CacheHits       *prometheus.CounterVec // layer
	CacheMisses     *prometheus.CounterVec // layer

	// Failover controller
	FailoversTotal  *prometheus.CounterVec // rule, outcome
	FailoversActive prometheus.Gauge
	EndpointStatus  *prometheus.GaugeVec // endpoint (0 healthy .. 3 maintenance)
	HealthSamples   *prometheus.CounterVec // endpoint, outcome
}

// New registers the instruments on the default registerer.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	return NewWithRegistry(namespace, reg)
}

// NewWithRegistry registers the instruments on reg; a nil reg gets a
// fresh private registry. Always returns a valid *Metrics.
func NewWithRegistry(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checks_total",
			Help: "Probe executions by service type and resulting status.",
		}, []string{"type", "status"}),
		CheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "check_duration_seconds",
			Help:    "Probe wall time including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"type"}),
		CheckRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "check_retries_total",
			Help: "Transport-class retries performed by the engine.",
		}, []string{"type"}),
		ChecksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "checks_in_flight",
			Help: "Probes currently executing in the dispatcher pool.",
		}),
		ScheduledServices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduled_services",
			Help: "Services with an active scheduler timer.",
		}),
		CoalescedTriggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "coalesced_triggers_total",
			Help: "Triggers merged because a probe for the service was already pending.",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "breaker_trips_total",
			Help: "Transitions into the open state.",
		}, []string{"name"}),
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ratelimit_denials_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"scope"}),
		PoolActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_active_connections",
			Help: "Connections currently handed out.",
		}, []string{"pool"}),
		PoolIdle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_idle_connections",
			Help: "Idle connections held by the pool.",
		}, []string{"pool"}),
		PoolWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_waiting_acquires",
			Help: "Acquire calls queued for a free connection.",
		}, []string{"pool"}),
		PoolAcquireWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pool_acquire_wait_seconds",
			Help:    "Time spent waiting in acquire.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"pool"}),

		DLQParked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlq_parked_total",
			Help: "Messages parked on a dead-letter queue.",
		}, []string{"queue"}),
		DLQRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlq_retried_total",
			Help: "Messages republished to a retry queue.",
		}, []string{"queue"}),
		DLQPermanentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dlq_permanent_failures_total",
			Help: "Messages that exhausted their retry budget.",
		}, []string{"queue", "error_class"}),

		StorageOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "storage_operations_total",
			Help: "Storage adapter operations by outcome.",
		}, []string{"op", "outcome"}),
		StorageUnsynced: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "storage_unsynced_entries",
			Help: "Cache entries not yet flushed to the backend.",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Cache hits by layer.",
		}, []string{"layer"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Cache misses by layer.",
		}, []string{"layer"}),

		FailoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failovers_total",
			Help: "Failover executions by rule and outcome.",
		}, []string{"rule", "outcome"}),
		FailoversActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "failovers_active",
			Help: "Failovers currently in progress.",
		}),
		EndpointStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "endpoint_status",
			Help: "Endpoint status (0 healthy, 1 degraded, 2 unhealthy, 3 maintenance).",
		}, []string{"endpoint"}),
		HealthSamples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "health_samples_total",
			Help: "Endpoint health probes by outcome.",
		}, []string{"endpoint", "outcome"}),
	}
}
