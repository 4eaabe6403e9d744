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

// Package failover watches registered service endpoints, evaluates
// trigger rules over rolling health metrics and moves traffic to a
// replacement endpoint when a rule fires. Health sampling runs every
// endpoint in parallel; rule detection is serialized per endpoint so
// condition snapshots stay consistent.
package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/storage"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// controlNest is the tenant under which controller state persists.
const controlNest = "system"

// degradedFloor: a successful health probe slower than both twice the
// rolling healthy average and this floor marks the endpoint degraded.
const degradedFloor = time.Second

// recoveryMonitorTTL bounds how long a recovery monitor may wait for
// the source to come back.
const recoveryMonitorTTL = 24 * time.Hour

// EventArchiver persists failover events for replay; satisfied by the
// archive repository.
type EventArchiver interface {
	RecordFailoverEvent(ctx context.Context, ev *types.FailoverEvent) error
}

// endpointState bundles an endpoint with its metrics window and the
// per-endpoint detection lock.
type endpointState struct {
	mu           sync.Mutex
	endpoint     *types.ServiceEndpoint
	window       *window
	lastFailover time.Time
}

// Controller owns endpoints, rules and events.
type Controller struct {
	cfg     config.FailoverConfig
	adapter *storage.Adapter // nil skips persistence
	archive EventArchiver    // nil skips archiving
	router  Router
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	client  *http.Client

	mu        sync.RWMutex
	endpoints map[string]*endpointState
	rules     map[string]*types.FailoverRule
	events    map[string]*types.FailoverEvent

	active     atomic.Int32 // in-progress failovers
	roundRobin sync.Map     // ruleID -> *atomic.Uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a controller. adapter, archive and router may each be nil
// (persistence skipped; routing becomes a no-op).
func New(cfg config.FailoverConfig, adapter *storage.Adapter, archive EventArchiver, router Router, eventBus *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if router == nil {
		router = NoopRouter{}
	}
	timeout := cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Controller{
		cfg:       cfg,
		adapter:   adapter,
		archive:   archive,
		router:    router,
		bus:       eventBus,
		metrics:   m,
		logger:    logger,
		client:    &http.Client{Timeout: timeout},
		endpoints: make(map[string]*endpointState),
		rules:     make(map[string]*types.FailoverRule),
		events:    make(map[string]*types.FailoverEvent),
	}
}

// Start launches the sampling and detection loops.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.sampleLoop()
	go c.detectLoop()
	c.logger.Info("failover controller started",
		zap.Duration("healthCheckInterval", c.cfg.HealthCheckInterval),
		zap.Duration("detectionInterval", c.cfg.DetectionInterval))
}

// Stop cancels the loops and waits for in-flight executions.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("failover controller stopped")
}

// RegisterEndpoint adds or replaces an endpoint. A fresh endpoint
// starts HEALTHY unless explicitly registered otherwise.
func (c *Controller) RegisterEndpoint(ctx context.Context, ep *types.ServiceEndpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.URL == "" || ep.Name == "" {
		return types.NewError(types.KindValidation, "endpoint requires name and url", nil)
	}
	if ep.Status == "" {
		ep.Status = types.EndpointHealthy
	}
	c.mu.Lock()
	st, ok := c.endpoints[ep.ID]
	if !ok {
		st = &endpointState{window: newWindow(c.cfg.MetricsRetention)}
		c.endpoints[ep.ID] = st
	}
	st.endpoint = ep
	c.mu.Unlock()

	c.metrics.EndpointStatus.WithLabelValues(ep.Name).Set(statusValue(ep.Status))
	c.persist(ctx, "endpoint:"+ep.ID, ep)
	return nil
}

// RemoveEndpoint drops an endpoint from rotation.
func (c *Controller) RemoveEndpoint(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.endpoints[id]
	delete(c.endpoints, id)
	c.mu.Unlock()
	if !ok {
		return types.NewError(types.KindNotFound, "endpoint not found: "+id, nil)
	}
	if c.adapter != nil {
		if err := c.adapter.Delete(ctx, controlNest, types.DataTypeFailoverConfig, "endpoint:"+id); err != nil {
			c.logger.Warn("endpoint delete not persisted", zap.String("endpoint", id), zap.Error(err))
		}
	}
	return nil
}

// SetMaintenance flips an endpoint in or out of maintenance; while in
// maintenance it is neither sampled nor eligible as a target.
func (c *Controller) SetMaintenance(ctx context.Context, id string, on bool) error {
	c.mu.RLock()
	st, ok := c.endpoints[id]
	c.mu.RUnlock()
	if !ok {
		return types.NewError(types.KindNotFound, "endpoint not found: "+id, nil)
	}
	st.mu.Lock()
	if on {
		st.endpoint.Status = types.EndpointMaintenance
	} else {
		st.endpoint.Status = types.EndpointHealthy
	}
	ep := *st.endpoint
	st.mu.Unlock()
	c.metrics.EndpointStatus.WithLabelValues(ep.Name).Set(statusValue(ep.Status))
	c.persist(ctx, "endpoint:"+ep.ID, &ep)
	return nil
}

// AddRule registers a failover rule; the pattern must compile.
func (c *Controller) AddRule(ctx context.Context, rule *types.FailoverRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, err := regexp.Compile(rule.ServicePattern); err != nil {
		return types.NewError(types.KindValidation, "rule pattern does not compile: "+rule.ServicePattern, err)
	}
	if len(rule.TriggerConditions) == 0 {
		return types.NewError(types.KindValidation, "rule requires at least one trigger condition", nil)
	}
	c.mu.Lock()
	c.rules[rule.ID] = rule
	c.mu.Unlock()
	c.persist(ctx, "rule:"+rule.ID, rule)
	return nil
}

// RemoveRule deletes a rule.
func (c *Controller) RemoveRule(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.rules[id]
	delete(c.rules, id)
	c.mu.Unlock()
	if !ok {
		return types.NewError(types.KindNotFound, "rule not found: "+id, nil)
	}
	if c.adapter != nil {
		if err := c.adapter.Delete(ctx, controlNest, types.DataTypeFailoverConfig, "rule:"+id); err != nil {
			c.logger.Warn("rule delete not persisted", zap.String("rule", id), zap.Error(err))
		}
	}
	return nil
}

// Endpoint returns a copy of one endpoint.
func (c *Controller) Endpoint(id string) (*types.ServiceEndpoint, error) {
	c.mu.RLock()
	st, ok := c.endpoints[id]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.KindNotFound, "endpoint not found: "+id, nil)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	ep := *st.endpoint
	return &ep, nil
}

// Events returns the in-memory event log, newest first.
func (c *Controller) Events() []*types.FailoverEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.FailoverEvent, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// sampleLoop probes every non-maintenance endpoint each interval, all
// endpoints in parallel.
func (c *Controller) sampleLoop() {
	defer c.wg.Done()
	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sampleAll()
		}
	}
}

func (c *Controller) sampleAll() {
	c.mu.RLock()
	states := make([]*endpointState, 0, len(c.endpoints))
	for _, st := range c.endpoints {
		states = append(states, st)
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(c.ctx)
	for _, st := range states {
		st := st
		g.Go(func() error {
			c.sampleEndpoint(ctx, st)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // samplers never return errors
}

// sampleEndpoint probes one endpoint's health path and derives its
// status from the sample and the rolling window.
func (c *Controller) sampleEndpoint(ctx context.Context, st *endpointState) {
	st.mu.Lock()
	ep := *st.endpoint
	st.mu.Unlock()
	if ep.Status == types.EndpointMaintenance {
		return
	}

	sample := c.probeHealth(ctx, &ep)

	st.mu.Lock()
	st.window.add(sample)
	st.endpoint.LastHealthCheck = sample.Timestamp
	previous := st.endpoint.Status
	switch {
	case !sample.Success:
		st.endpoint.Status = types.EndpointUnhealthy
	case sample.ResponseTime > degradedFloor && sample.ResponseTime > 2*st.window.healthyAverage():
		st.endpoint.Status = types.EndpointDegraded
	default:
		// An unhealthy endpoint stays unhealthy until its recovery
		// monitor (or an operator) restores it.
		if previous != types.EndpointUnhealthy {
			st.endpoint.Status = types.EndpointHealthy
		}
	}
	current := st.endpoint.Status
	st.mu.Unlock()

	outcome := "success"
	if !sample.Success {
		outcome = "failure"
	}
	c.metrics.HealthSamples.WithLabelValues(ep.Name, outcome).Inc()
	c.metrics.EndpointStatus.WithLabelValues(ep.Name).Set(statusValue(current))
	if previous != current {
		c.logger.Info("endpoint status changed",
			zap.String("endpoint", ep.Name),
			zap.String("from", string(previous)),
			zap.String("to", string(current)))
	}
}

// probeHealth GETs the endpoint's health path once.
func (c *Controller) probeHealth(ctx context.Context, ep *types.ServiceEndpoint) types.HealthSample {
	url := strings.TrimSuffix(ep.URL, "/") + "/" + strings.TrimPrefix(ep.HealthCheckPath, "/")
	start := time.Now()
	sample := types.HealthSample{Timestamp: start}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		sample.ResponseTime = time.Since(start)
		return sample
	}
	resp, err := c.client.Do(req)
	sample.ResponseTime = time.Since(start)
	if err != nil {
		return sample
	}
	defer resp.Body.Close()
	sample.StatusCode = resp.StatusCode
	sample.Success = resp.StatusCode >= 200 && resp.StatusCode < 400
	return sample
}

// detectLoop evaluates enabled rules each interval. Evaluation is
// serialized per endpoint via the endpoint lock.
func (c *Controller) detectLoop() {
	defer c.wg.Done()
	interval := c.cfg.DetectionInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.detect()
		}
	}
}

func (c *Controller) detect() {
	c.mu.RLock()
	rules := make([]*types.FailoverRule, 0, len(c.rules))
	for _, r := range c.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	states := make([]*endpointState, 0, len(c.endpoints))
	for _, st := range c.endpoints {
		states = append(states, st)
	}
	c.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		pattern, err := regexp.Compile(rule.ServicePattern)
		if err != nil {
			continue
		}
		for _, st := range states {
			c.evaluate(rule, pattern, st)
		}
	}
}

// evaluate checks one rule against one endpoint and triggers a
// failover when every condition holds.
func (c *Controller) evaluate(rule *types.FailoverRule, pattern *regexp.Regexp, st *endpointState) {
	st.mu.Lock()
	ep := *st.endpoint
	if !pattern.MatchString(ep.Name) ||
		ep.Status == types.EndpointMaintenance ||
		time.Since(st.lastFailover) < rule.CooldownPeriod {
		st.mu.Unlock()
		return
	}
	snapshot := make(map[string]float64, len(rule.TriggerConditions))
	hold := true
	for _, cond := range rule.TriggerConditions {
		span := time.Duration(cond.WindowSeconds) * time.Second
		value := st.window.metric(cond.Metric, span)
		snapshot[string(cond.Metric)] = value
		if !compare(value, cond.Operator, cond.Threshold) {
			hold = false
			break
		}
	}
	if !hold {
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	if max := int32(c.cfg.MaxConcurrentFailovers); max > 0 && c.active.Load() >= max {
		c.logger.Warn("failover deferred, concurrency cap reached",
			zap.String("rule", rule.Name),
			zap.String("endpoint", ep.Name))
		return
	}

	target := c.selectTarget(rule, &ep)
	if target == nil {
		c.logger.Error("no healthy failover target",
			zap.String("rule", rule.Name),
			zap.String("endpoint", ep.Name))
		return
	}

	// The cooldown starts only once a failover actually dispatches; a
	// deferred or targetless evaluation must stay retryable.
	st.mu.Lock()
	st.lastFailover = time.Now()
	st.mu.Unlock()

	c.active.Add(1)
	c.metrics.FailoversActive.Inc()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.active.Add(-1)
		defer c.metrics.FailoversActive.Dec()
		c.executeFailover(c.ctx, rule, st, target, snapshot)
	}()
}

// persist writes controller state under the control nest.
func (c *Controller) persist(ctx context.Context, key string, v interface{}) {
	if c.adapter == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failover state marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if _, err := c.adapter.Store(ctx, controlNest, types.DataTypeFailoverConfig, key, payload); err != nil {
		c.logger.Warn("failover state not persisted", zap.String("key", key), zap.Error(err))
	}
}

// recordEvent updates the in-memory log, persists and archives.
func (c *Controller) recordEvent(ctx context.Context, ev *types.FailoverEvent) {
	c.mu.Lock()
	copied := *ev
	c.events[ev.ID] = &copied
	c.mu.Unlock()
	c.persist(ctx, fmt.Sprintf("event:%s:%s", ev.ID, ev.Status), &copied)
	if c.archive != nil {
		if err := c.archive.RecordFailoverEvent(ctx, &copied); err != nil {
			c.logger.Warn("failover event not archived", zap.String("event", ev.ID), zap.Error(err))
		}
	}
}

// Health reports loop liveness and occupancy.
func (c *Controller) Health(context.Context) (bool, map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return true, map[string]string{
		"endpoints": fmt.Sprintf("%d", len(c.endpoints)),
		"rules":     fmt.Sprintf("%d", len(c.rules)),
		"active":    fmt.Sprintf("%d", c.active.Load()),
	}
}

func statusValue(s types.EndpointStatus) float64 {
	switch s {
	case types.EndpointHealthy:
		return 0
	case types.EndpointDegraded:
		return 1
	case types.EndpointUnhealthy:
		return 2
	default:
		return 3
	}
}
