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

// Package monitoring runs the per-service check schedulers, the
// bounded dispatcher and the result pipeline. Every enabled service
// ticks independently at its own interval; at most one probe per
// service is ever in flight, and a second trigger while one runs is
// coalesced rather than queued.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/monitoring/probes"
	"github.com/m00npl/guardant-sub002/pkg/registry"
	"github.com/m00npl/guardant-sub002/pkg/resilience"
	"github.com/m00npl/guardant-sub002/pkg/storage"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

const tracerName = "guardant/monitoring"

// jobQueueFactor sizes the dispatcher queue as a multiple of the
// worker count.
const jobQueueFactor = 4

// AlertCandidate is the payload of alert-eligibility events. The alert
// subsystem applies its own delay and quiet-hours policy on top.
type AlertCandidate struct {
	Result              *types.CheckResult
	Previous            types.ServiceStatus
	ConsecutiveFailures int
}

// serviceState tracks dispatch occupancy for one service.
type serviceState struct {
	inflight bool
	pending  bool
}

// Engine owns scheduling, dispatch, probing and result handling.
type Engine struct {
	cfg      config.MonitoringConfig
	registry *registry.Registry
	probeSet probes.Set
	adapter  *storage.Adapter
	bus      *bus.Bus
	breakers *resilience.BreakerRegistry
	limiter  *resilience.RateLimiter // nil disables per-nest throttling
	guard    *Guard
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu         sync.Mutex
	cond       *sync.Cond               // signals inflight slots freeing up
	schedulers map[string]chan struct{} // serviceID -> stop
	states     map[string]*serviceState
	failures   map[string]int // consecutive non-up count
	baselines  map[string]*baseline

	jobs   chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an engine. limiter may be nil.
func New(
	cfg config.MonitoringConfig,
	reg *registry.Registry,
	probeSet probes.Set,
	adapter *storage.Adapter,
	eventBus *bus.Bus,
	breakers *resilience.BreakerRegistry,
	limiter *resilience.RateLimiter,
	guard *Guard,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	workers := cfg.ConcurrentChecks
	if workers <= 0 {
		workers = 32
	}
	e := &Engine{
		cfg:        cfg,
		registry:   reg,
		probeSet:   probeSet,
		adapter:    adapter,
		bus:        eventBus,
		breakers:   breakers,
		limiter:    limiter,
		guard:      guard,
		metrics:    m,
		logger:     logger,
		schedulers: make(map[string]chan struct{}),
		states:     make(map[string]*serviceState),
		failures:   make(map[string]int),
		baselines:  make(map[string]*baseline),
		jobs:       make(chan string, workers*jobQueueFactor),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start seeds schedulers from the registry, subscribes to membership
// events and launches the worker pool. Blocks until ctx is done only
// in the membership loop; callers run it in a goroutine or rely on
// Stop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	workers := e.cfg.ConcurrentChecks
	if workers <= 0 {
		workers = 32
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	for _, def := range e.registry.ListEnabled() {
		e.schedule(e.registry.ToDescriptor(def))
	}

	sub := e.bus.Subscribe(64, bus.KindServiceAdded, bus.KindServiceUpdated, bus.KindServiceRemoved)
	e.wg.Add(1)
	go e.membershipLoop(sub)

	e.logger.Info("monitoring engine started",
		zap.Int("workers", workers),
		zap.Int("services", len(e.schedulers)))
}

// Stop cancels schedulers and waits for in-flight probes within their
// own deadlines.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for id, stop := range e.schedulers {
		close(stop)
		delete(e.schedulers, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("monitoring engine stopped")
}

// CheckNow bypasses the schedule for one service without touching its
// next tick. It takes the service's dispatch slot first, waiting out
// any probe already in flight, so the one-probe-per-service rule holds
// for manual checks too.
func (e *Engine) CheckNow(ctx context.Context, nestID, serviceID string) (*types.CheckResult, error) {
	def, err := e.registry.Get(nestID, serviceID)
	if err != nil {
		return nil, err
	}
	desc := e.registry.ToDescriptor(def)
	if err := e.claimInflight(ctx, serviceID); err != nil {
		return nil, err
	}
	defer e.releaseInflight(serviceID)
	res := e.runCheck(ctx, desc)
	e.handleResult(ctx, desc, res)
	return res, nil
}

// claimInflight marks the service occupied, blocking while a probe is
// already running for it.
func (e *Engine) claimInflight(ctx context.Context, serviceID string) error {
	unwatch := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.mu.Unlock() //nolint:staticcheck // orders the broadcast after waiters reach Wait
		e.cond.Broadcast()
	})
	defer unwatch()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[serviceID]
	if st == nil {
		st = &serviceState{}
		e.states[serviceID] = st
	}
	for st.inflight {
		if ctx.Err() != nil {
			return types.NewError(types.KindTimeout, "check canceled waiting for the in-flight probe", ctx.Err())
		}
		e.cond.Wait()
	}
	st.inflight = true
	return nil
}

// releaseInflight frees the slot, re-arming a coalesced trigger if one
// landed during the run.
func (e *Engine) releaseInflight(serviceID string) {
	e.mu.Lock()
	st := e.states[serviceID]
	rearm := false
	if st != nil {
		st.inflight = false
		if st.pending {
			st.pending = false
			st.inflight = true
			rearm = true
		}
	}
	e.mu.Unlock()
	e.cond.Broadcast()
	if rearm {
		e.enqueue(serviceID)
	}
}

// membershipLoop applies registry events to the scheduler set.
func (e *Engine) membershipLoop(sub *bus.Subscription) {
	defer e.wg.Done()
	defer sub.Unsubscribe()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			switch ev.Kind {
			case bus.KindServiceAdded:
				if desc, ok := ev.Payload.(*types.ServiceDescriptor); ok {
					e.schedule(desc)
				}
			case bus.KindServiceUpdated:
				if desc, ok := ev.Payload.(*types.ServiceDescriptor); ok {
					e.unschedule(desc.ServiceID)
					e.schedule(desc)
				}
			case bus.KindServiceRemoved:
				if id, ok := ev.Payload.(string); ok {
					e.unschedule(id)
				}
			}
		}
	}
}

// schedule starts the per-service trigger loop. First fire lands at a
// random offset within the startup jitter to avoid thundering-herd.
func (e *Engine) schedule(desc *types.ServiceDescriptor) {
	e.mu.Lock()
	if _, exists := e.schedulers[desc.ServiceID]; exists {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.schedulers[desc.ServiceID] = stop
	if e.states[desc.ServiceID] == nil {
		e.states[desc.ServiceID] = &serviceState{}
	}
	e.mu.Unlock()
	e.metrics.ScheduledServices.Inc()

	jitter := e.cfg.StartupJitter
	if jitter <= 0 {
		jitter = 5 * time.Second
	}
	first := time.Duration(rand.Int63n(int64(jitter))) //nolint:gosec // scheduling jitter, not crypto

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(first)
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
		e.trigger(desc.ServiceID)

		ticker := time.NewTicker(desc.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.trigger(desc.ServiceID)
			}
		}
	}()
}

// unschedule stops the trigger loop; no further probes dispatch for
// the service after its pending work drains.
func (e *Engine) unschedule(serviceID string) {
	e.mu.Lock()
	stop, ok := e.schedulers[serviceID]
	if ok {
		close(stop)
		delete(e.schedulers, serviceID)
		delete(e.states, serviceID)
		delete(e.failures, serviceID)
		delete(e.baselines, serviceID)
	}
	e.mu.Unlock()
	if ok {
		e.metrics.ScheduledServices.Dec()
	}
}

// trigger enqueues a job with per-service coalescing: at most one
// in-flight and one pending.
func (e *Engine) trigger(serviceID string) {
	e.mu.Lock()
	st, ok := e.states[serviceID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if st.inflight {
		if st.pending {
			e.mu.Unlock()
			e.metrics.CoalescedTriggers.Inc()
			return
		}
		st.pending = true
		e.mu.Unlock()
		return
	}
	st.inflight = true
	e.mu.Unlock()
	e.enqueue(serviceID)
}

func (e *Engine) enqueue(serviceID string) {
	select {
	case e.jobs <- serviceID:
	default:
		// Queue saturated; drop rather than block the scheduler. The
		// next tick will re-trigger.
		e.mu.Lock()
		if st := e.states[serviceID]; st != nil {
			st.inflight = false
		}
		e.mu.Unlock()
		e.cond.Broadcast()
		e.metrics.CoalescedTriggers.Inc()
		e.logger.Warn("dispatch queue full, trigger dropped", zap.String("service", serviceID))
	}
}

// worker drains the dispatch queue.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case serviceID := <-e.jobs:
			e.runService(serviceID)
			e.releaseInflight(serviceID)
		}
	}
}

// runService resolves the live descriptor and executes one check.
func (e *Engine) runService(serviceID string) {
	var desc *types.ServiceDescriptor
	for _, def := range e.registry.ListEnabled() {
		if def.ID == serviceID {
			desc = e.registry.ToDescriptor(def)
			break
		}
	}
	if desc == nil {
		return // removed or disabled since the trigger fired
	}
	res := e.runCheck(e.ctx, desc)
	e.handleResult(e.ctx, desc, res)
}

// runCheck executes the attempt loop around one probe. Only
// transport-class errors are retried; a semantic down verdict is
// final. An error surviving a single attempt is unknown, one
// surviving retries is down.
func (e *Engine) runCheck(ctx context.Context, desc *types.ServiceDescriptor) *types.CheckResult {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "check."+string(desc.Type))
	span.SetAttributes(
		attribute.String("service.id", desc.ServiceID),
		attribute.String("nest.id", desc.NestID),
	)
	defer span.End()

	e.metrics.ChecksInFlight.Inc()
	defer e.metrics.ChecksInFlight.Dec()

	if e.limiter != nil {
		decision, err := e.limiter.Allow(ctx, resilience.RateLimitKey{
			Scope: "nest", Identity: desc.NestID, Endpoint: "checks",
		})
		if err == nil && !decision.Allowed {
			return &types.CheckResult{
				ServiceID: desc.ServiceID,
				NestID:    desc.NestID,
				Status:    types.StatusUnknown,
				Message:   "check deferred by tenant rate limit",
				Timestamp: time.Now(),
				Attempt:   0,
			}
		}
	}

	prober, ok := e.probeSet[desc.Type]
	if !ok {
		return &types.CheckResult{
			ServiceID: desc.ServiceID,
			NestID:    desc.NestID,
			Status:    types.StatusUnknown,
			Message:   "no probe for type " + string(desc.Type),
			Timestamp: time.Now(),
			Attempt:   1,
		}
	}

	retries := desc.Retries
	if retries < 0 {
		// Unset on the definition; zero is an explicit "no retries".
		retries = e.cfg.MaxRetries
	}
	retryDelay := desc.RetryDelay
	if retryDelay <= 0 {
		retryDelay = e.cfg.RetryDelay
	}
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = e.cfg.CheckTimeout
	}

	started := time.Now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= retries+1; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		var res *types.CheckResult
		err := e.breakers.Execute(attemptCtx, "probe:"+desc.Target, func(c context.Context) error {
			var probeErr error
			res, probeErr = prober.Probe(c, desc)
			return probeErr
		})
		cancel()

		if err == nil && res != nil {
			res.Attempt = attempt
			res.CheckDuration = time.Since(started)
			e.applyBaseline(desc, res)
			e.metrics.ChecksTotal.WithLabelValues(string(desc.Type), string(res.Status)).Inc()
			e.metrics.CheckDuration.WithLabelValues(string(desc.Type)).Observe(res.ResponseTime.Seconds())
			return res
		}
		lastErr = err
		if !types.TransportClass(err) || attempt > retries {
			break
		}
		e.metrics.CheckRetries.WithLabelValues(string(desc.Type)).Inc()
		select {
		case <-ctx.Done():
			attempt = retries + 1
		case <-time.After(retryDelay):
		}
	}

	status := types.StatusUnknown
	if attempts > 1 && types.TransportClass(lastErr) {
		status = types.StatusDown
	}
	e.metrics.ChecksTotal.WithLabelValues(string(desc.Type), string(status)).Inc()
	return &types.CheckResult{
		ServiceID:     desc.ServiceID,
		NestID:        desc.NestID,
		Status:        status,
		Message:       fmt.Sprintf("probe failed after %d attempt(s): %v", attempts, lastErr),
		Timestamp:     time.Now(),
		CheckDuration: time.Since(started),
		Attempt:       attempts,
	}
}

// handleResult runs the result pipeline: shadow, events, persistence,
// alert eligibility.
func (e *Engine) handleResult(ctx context.Context, desc *types.ServiceDescriptor, res *types.CheckResult) {
	prev, _ := e.registry.UpdateShadow(res.ServiceID, res.Status, res.Message, res.Timestamp, res.ResponseTime)

	e.bus.Publish(bus.KindCheckResult, res)

	e.persistResult(ctx, res, prev)

	e.mu.Lock()
	if res.Status == types.StatusUp {
		e.failures[res.ServiceID] = 0
	} else if res.Status == types.StatusDown {
		e.failures[res.ServiceID]++
	}
	consecutive := e.failures[res.ServiceID]
	e.mu.Unlock()

	if prev != "" && prev != res.Status && res.Status != types.StatusUnknown {
		e.bus.Publish(bus.KindStatusChange, res)

		if res.Status == types.StatusDown && e.guard != nil && e.guard.EnvironmentUnreachable(ctx) {
			// Results are still recorded; only alerting is muted.
			e.logger.Warn("status-change alert suppressed, environment unreachable",
				zap.String("service", res.ServiceID))
			return
		}
		e.bus.Publish(bus.KindAlertEligible, &AlertCandidate{
			Result:              res,
			Previous:            prev,
			ConsecutiveFailures: consecutive,
		})
	}
}

// persistResult writes the result under SERVICE_STATUS and, on a
// transition, an immutable record under MONITORING_DATA keyed by
// timestamp.
func (e *Engine) persistResult(ctx context.Context, res *types.CheckResult, prev types.ServiceStatus) {
	if e.adapter == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		e.logger.Error("result marshal failed", zap.String("service", res.ServiceID), zap.Error(err))
		return
	}
	if _, err := e.adapter.Store(ctx, res.NestID, types.DataTypeServiceStatus, res.ServiceID, payload); err != nil {
		e.logger.Warn("status write failed", zap.String("service", res.ServiceID), zap.Error(err))
	}
	if prev != res.Status {
		key := fmt.Sprintf("%s:%d", res.ServiceID, res.Timestamp.UnixMilli())
		if _, err := e.adapter.Store(ctx, res.NestID, types.DataTypeMonitoringData, key, payload); err != nil {
			e.logger.Warn("transition write failed", zap.String("service", res.ServiceID), zap.Error(err))
		}
	}
}

// baseline keeps a small ring of recent healthy response times; a
// healthy check running past twice the average is downgraded to
// degraded for latency-sensitive types.
type baseline struct {
	samples [10]time.Duration
	n       int
	next    int
}

func (b *baseline) add(d time.Duration) {
	b.samples[b.next] = d
	b.next = (b.next + 1) % len(b.samples)
	if b.n < len(b.samples) {
		b.n++
	}
}

func (b *baseline) average() time.Duration {
	if b.n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < b.n; i++ {
		sum += b.samples[i]
	}
	return sum / time.Duration(b.n)
}

// applyBaseline downgrades slow healthy checks for web and ping.
func (e *Engine) applyBaseline(desc *types.ServiceDescriptor, res *types.CheckResult) {
	if desc.Type != types.ServiceTypeWeb && desc.Type != types.ServiceTypePing {
		return
	}
	if res.Status != types.StatusUp || res.ResponseTime <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.baselines[desc.ServiceID]
	if b == nil {
		b = &baseline{}
		e.baselines[desc.ServiceID] = b
	}
	if avg := b.average(); b.n >= 3 && avg > 0 && res.ResponseTime > 2*avg {
		res.Status = types.StatusDegraded
		res.Message = fmt.Sprintf("response time %s exceeds 2x rolling average %s",
			res.ResponseTime.Round(time.Millisecond), avg.Round(time.Millisecond))
		return
	}
	b.add(res.ResponseTime)
}
