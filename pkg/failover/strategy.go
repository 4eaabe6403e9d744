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

package failover

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Router is the injected adapter redirecting traffic at the external
// routing layer. share is the fraction of traffic on the target,
// in [0, 1]; 1 means a full cutover.
type Router interface {
	Redirect(ctx context.Context, source, target *types.ServiceEndpoint, share float64) error
}

// NoopRouter satisfies Router for deployments where routing is
// observed, not driven.
type NoopRouter struct{}

// Redirect does nothing.
func (NoopRouter) Redirect(context.Context, *types.ServiceEndpoint, *types.ServiceEndpoint, float64) error {
	return nil
}

const defaultGradualSteps = 5

// selectTarget picks the replacement endpoint per the rule's selection
// mode. Candidates are other non-source, HEALTHY endpoints; same
// region preferred, cross-region as fallback.
func (c *Controller) selectTarget(rule *types.FailoverRule, source *types.ServiceEndpoint) *types.ServiceEndpoint {
	c.mu.RLock()
	var inRegion, crossRegion []*types.ServiceEndpoint
	for _, st := range c.endpoints {
		st.mu.Lock()
		ep := *st.endpoint
		st.mu.Unlock()
		if ep.ID == source.ID || ep.Status != types.EndpointHealthy {
			continue
		}
		if ep.Region == source.Region {
			inRegion = append(inRegion, &ep)
		} else {
			crossRegion = append(crossRegion, &ep)
		}
	}
	c.mu.RUnlock()

	candidates := inRegion
	if len(candidates) == 0 {
		candidates = crossRegion
	}
	if len(candidates) == 0 {
		return nil
	}

	selection := rule.FailoverStrategy.Selection
	if selection == "" {
		selection = types.SelectHighestPriority
	}
	switch selection {
	case types.SelectHighestPriority, types.SelectCustom, types.SelectClosestRegion:
		// CLOSEST_REGION is already honored by the in-region preference;
		// CUSTOM falls back to priority when no selector is injected.
		best := candidates[0]
		for _, ep := range candidates[1:] {
			if ep.Priority < best.Priority {
				best = ep
			}
		}
		return best
	case types.SelectLowestLoad:
		best := candidates[0]
		for _, ep := range candidates[1:] {
			if ep.CurrentLoad < best.CurrentLoad {
				best = ep
			}
		}
		return best
	case types.SelectRandom:
		return candidates[rand.Intn(len(candidates))] //nolint:gosec // load spreading, not crypto
	case types.SelectRoundRobin:
		counter, _ := c.roundRobin.LoadOrStore(rule.ID, &atomic.Uint64{})
		n := counter.(*atomic.Uint64).Add(1)
		return candidates[int(n-1)%len(candidates)]
	default:
		return candidates[0]
	}
}

// executeFailover drives one event through its state machine:
// triggered -> in_progress -> completed | failed, then hands off to
// the recovery monitor when the rule recovers automatically.
func (c *Controller) executeFailover(ctx context.Context, rule *types.FailoverRule, st *endpointState, target *types.ServiceEndpoint, snapshot map[string]float64) {
	st.mu.Lock()
	source := *st.endpoint
	st.mu.Unlock()

	ev := &types.FailoverEvent{
		ID:                  uuid.NewString(),
		Timestamp:           time.Now(),
		RuleID:              rule.ID,
		SourceEndpoint:      source.ID,
		TargetEndpoint:      target.ID,
		Status:              types.FailoverTriggered,
		Conditions:          snapshot,
		AffectedConnections: source.CurrentLoad,
	}
	c.recordEvent(ctx, ev)
	c.bus.Publish(bus.KindFailoverTriggered, ev)
	c.logger.Warn("failover triggered",
		zap.String("rule", rule.Name),
		zap.String("source", source.Name),
		zap.String("target", target.Name))

	ev.Status = types.FailoverInProgress
	c.recordEvent(ctx, ev)

	start := time.Now()
	err := c.runStrategy(ctx, rule.FailoverStrategy, &source, target)
	ev.Duration = time.Since(start)
	if err != nil {
		ev.Status = types.FailoverFailed
		c.recordEvent(ctx, ev)
		c.bus.Publish(bus.KindFailoverFailed, ev)
		c.metrics.FailoversTotal.WithLabelValues(rule.Name, "failed").Inc()
		c.logger.Error("failover failed",
			zap.String("rule", rule.Name),
			zap.String("source", source.Name),
			zap.Error(err))
		return
	}

	st.mu.Lock()
	st.endpoint.Status = types.EndpointUnhealthy
	st.mu.Unlock()
	c.metrics.EndpointStatus.WithLabelValues(source.Name).Set(statusValue(types.EndpointUnhealthy))
	c.transferLoad(source.ID, target.ID)

	ev.Status = types.FailoverCompleted
	c.recordEvent(ctx, ev)
	c.bus.Publish(bus.KindFailoverCompleted, ev)
	c.metrics.FailoversTotal.WithLabelValues(rule.Name, "completed").Inc()
	c.logger.Info("failover completed",
		zap.String("rule", rule.Name),
		zap.String("source", source.Name),
		zap.String("target", target.Name),
		zap.Duration("duration", ev.Duration))

	if rule.RecoveryStrategy.Type == types.RecoveryAutomatic {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.monitorRecovery(ctx, rule, st, target, ev)
		}()
	}
}

// runStrategy moves traffic per the configured strategy.
func (c *Controller) runStrategy(ctx context.Context, strategy types.FailoverStrategy, source, target *types.ServiceEndpoint) error {
	switch strategy.Type {
	case types.StrategyImmediate, "":
		return c.router.Redirect(ctx, source, target, 1)

	case types.StrategyGradual:
		steps := strategy.Steps
		if steps <= 0 {
			steps = defaultGradualSteps
		}
		pause := strategy.DrainTimeout / time.Duration(steps)
		for i := 1; i <= steps; i++ {
			if err := c.router.Redirect(ctx, source, target, float64(i)/float64(steps)); err != nil {
				return fmt.Errorf("gradual step %d/%d: %w", i, steps, err)
			}
			if i < steps && pause > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pause):
				}
			}
		}
		return nil

	case types.StrategyBlueGreen:
		if sample := c.probeHealth(ctx, target); !sample.Success {
			return fmt.Errorf("target %s failed readiness validation", target.Name)
		}
		return c.router.Redirect(ctx, source, target, 1)

	case types.StrategyCanary, types.StrategyWeightedRoundRobin:
		share := strategy.CanaryShare
		if share <= 0 || share >= 1 {
			share = 0.1
		}
		if sample := c.probeHealth(ctx, target); !sample.Success {
			return fmt.Errorf("target %s failed readiness validation", target.Name)
		}
		if err := c.router.Redirect(ctx, source, target, share); err != nil {
			return fmt.Errorf("canary split: %w", err)
		}
		// Promote after the canary window; the drain timeout doubles as
		// the success window.
		if strategy.DrainTimeout > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(strategy.DrainTimeout):
			}
			if sample := c.probeHealth(ctx, target); !sample.Success {
				return fmt.Errorf("target %s degraded during canary window", target.Name)
			}
		}
		return c.router.Redirect(ctx, source, target, 1)

	default:
		return types.NewError(types.KindValidation, "unknown failover strategy: "+string(strategy.Type), nil)
	}
}

// transferLoad moves the source's current load onto the target.
func (c *Controller) transferLoad(sourceID, targetID string) {
	c.mu.RLock()
	src, srcOK := c.endpoints[sourceID]
	dst, dstOK := c.endpoints[targetID]
	c.mu.RUnlock()
	if !srcOK || !dstOK {
		return
	}
	src.mu.Lock()
	moved := src.endpoint.CurrentLoad
	src.endpoint.CurrentLoad = 0
	src.mu.Unlock()
	dst.mu.Lock()
	dst.endpoint.CurrentLoad += moved
	dst.mu.Unlock()
}

// monitorRecovery samples the failed source until it produces the
// required run of clean probes, then ramps traffic back. The monitor
// self-expires after 24 hours.
func (c *Controller) monitorRecovery(ctx context.Context, rule *types.FailoverRule, st *endpointState, target *types.ServiceEndpoint, ev *types.FailoverEvent) {
	required := rule.RecoveryStrategy.ConsecutiveSuccessRequired
	if required <= 0 {
		required = 3
	}
	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	expiry := time.NewTimer(recoveryMonitorTTL)
	defer expiry.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	st.mu.Lock()
	source := *st.endpoint
	st.mu.Unlock()

	consecutive := 0
	for consecutive < required {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			c.logger.Warn("recovery monitor expired",
				zap.String("endpoint", source.Name),
				zap.String("event", ev.ID))
			return
		case <-ticker.C:
			if sample := c.probeHealth(ctx, &source); sample.Success {
				consecutive++
			} else {
				consecutive = 0
			}
		}
	}

	ev.Status = types.FailoverRecovering
	c.recordEvent(ctx, ev)
	c.logger.Info("recovery started",
		zap.String("endpoint", source.Name),
		zap.String("event", ev.ID))

	if d := rule.RecoveryStrategy.RecoveryDelay; d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}

	if err := c.rampBack(ctx, rule.RecoveryStrategy, target, &source); err != nil {
		c.logger.Error("recovery ramp failed",
			zap.String("endpoint", source.Name),
			zap.Error(err))
		return
	}

	now := time.Now()
	ev.Status = types.FailoverRecovered
	ev.RecoveredAt = &now
	c.recordEvent(ctx, ev)
	c.bus.Publish(bus.KindFailoverRecovered, ev)
	c.metrics.FailoversTotal.WithLabelValues(rule.Name, "recovered").Inc()

	st.mu.Lock()
	st.endpoint.Status = types.EndpointHealthy
	st.mu.Unlock()
	c.metrics.EndpointStatus.WithLabelValues(source.Name).Set(statusValue(types.EndpointHealthy))
	c.logger.Info("endpoint recovered",
		zap.String("endpoint", source.Name),
		zap.String("event", ev.ID))
}

// rampBack returns traffic to the recovered source, stepping from
// initialPercentage by incrementPercentage, or cutting over at once
// when no ramp is configured.
func (c *Controller) rampBack(ctx context.Context, strategy types.RecoveryStrategy, from, to *types.ServiceEndpoint) error {
	if strategy.IncrementPercentage <= 0 {
		return c.router.Redirect(ctx, from, to, 1)
	}
	share := strategy.InitialPercentage
	if share <= 0 {
		share = strategy.IncrementPercentage
	}
	for {
		if share > 100 {
			share = 100
		}
		if err := c.router.Redirect(ctx, from, to, float64(share)/100); err != nil {
			return err
		}
		if share == 100 {
			return nil
		}
		share += strategy.IncrementPercentage
		if strategy.IncrementInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(strategy.IncrementInterval):
			}
		}
	}
}
