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
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

type redirectCall struct {
	source string
	target string
	share  float64
}

// recordingRouter captures every redirect the controller issues.
type recordingRouter struct {
	mu    sync.Mutex
	calls []redirectCall
}

func (r *recordingRouter) Redirect(_ context.Context, source, target *types.ServiceEndpoint, share float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, redirectCall{source: source.ID, target: target.ID, share: share})
	return nil
}

func (r *recordingRouter) recorded() []redirectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]redirectCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// memArchive collects archived failover events in order.
type memArchive struct {
	mu     sync.Mutex
	events []types.FailoverEvent
}

func (a *memArchive) RecordFailoverEvent(_ context.Context, ev *types.FailoverEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *ev)
	return nil
}

func (a *memArchive) recorded() []types.FailoverEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.FailoverEvent, len(a.events))
	copy(out, a.events)
	return out
}

var _ = Describe("Controller", func() {
	var (
		eventBus *bus.Bus
		router   *recordingRouter
		archive  *memArchive
		ctrl     *Controller
	)

	newController := func() *Controller {
		m := metrics.NewWithRegistry("test", nil)
		return New(config.FailoverConfig{MetricsRetention: time.Hour}, nil, archive, router, eventBus, m, zap.NewNop())
	}

	endpoint := func(name, region string, priority, load int) *types.ServiceEndpoint {
		return &types.ServiceEndpoint{
			ID:              uuid.NewString(),
			Name:            name,
			URL:             "http://" + name + ".internal:8080",
			HealthCheckPath: "/health",
			Region:          region,
			Priority:        priority,
			CurrentLoad:     load,
		}
	}

	errorRateRule := func() *types.FailoverRule {
		return &types.FailoverRule{
			Name:           "api-error-rate",
			ServicePattern: "^api-",
			TriggerConditions: []types.TriggerCondition{
				{Metric: types.MetricErrorRate, Operator: "gt", Threshold: 50},
			},
			FailoverStrategy: types.FailoverStrategy{Type: types.StrategyImmediate},
			CooldownPeriod:   time.Hour,
			Enabled:          true,
		}
	}

	failWindow := func(id string) {
		st := ctrl.endpoints[id]
		now := time.Now()
		for i := 0; i < 5; i++ {
			st.window.add(sampleAt(now, false, 0))
		}
	}

	BeforeEach(func() {
		eventBus = bus.New(zap.NewNop())
		router = &recordingRouter{}
		archive = &memArchive{}
		ctrl = newController()
	})

	AfterEach(func() {
		eventBus.Close()
	})

	Describe("registration", func() {
		It("defaults a fresh endpoint to healthy and assigns an id", func() {
			ep := &types.ServiceEndpoint{Name: "api-a", URL: "http://a:8080"}
			Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())
			Expect(ep.ID).NotTo(BeEmpty())

			got, err := ctrl.Endpoint(ep.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(types.EndpointHealthy))
		})

		It("rejects an endpoint without name or url", func() {
			err := ctrl.RegisterEndpoint(context.Background(), &types.ServiceEndpoint{Name: "api-a"})
			Expect(types.Kind(err)).To(Equal(types.KindValidation))
		})

		It("reports a missing endpoint on removal", func() {
			err := ctrl.RemoveEndpoint(context.Background(), "nope")
			Expect(types.Kind(err)).To(Equal(types.KindNotFound))
		})

		It("flips maintenance on and off", func() {
			ep := endpoint("api-a", "eu", 1, 0)
			Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())

			Expect(ctrl.SetMaintenance(context.Background(), ep.ID, true)).To(Succeed())
			got, _ := ctrl.Endpoint(ep.ID)
			Expect(got.Status).To(Equal(types.EndpointMaintenance))

			Expect(ctrl.SetMaintenance(context.Background(), ep.ID, false)).To(Succeed())
			got, _ = ctrl.Endpoint(ep.ID)
			Expect(got.Status).To(Equal(types.EndpointHealthy))
		})
	})

	Describe("rules", func() {
		It("rejects a pattern that does not compile", func() {
			rule := errorRateRule()
			rule.ServicePattern = "api-["
			Expect(types.Kind(ctrl.AddRule(context.Background(), rule))).To(Equal(types.KindValidation))
		})

		It("rejects a rule with no trigger conditions", func() {
			rule := errorRateRule()
			rule.TriggerConditions = nil
			Expect(types.Kind(ctrl.AddRule(context.Background(), rule))).To(Equal(types.KindValidation))
		})

		It("reports a missing rule on removal", func() {
			Expect(types.Kind(ctrl.RemoveRule(context.Background(), "nope"))).To(Equal(types.KindNotFound))
		})
	})

	Describe("target selection", func() {
		It("prefers healthy candidates in the source's region", func() {
			src := endpoint("api-src", "eu", 0, 0)
			local := endpoint("api-local", "eu", 9, 0)
			remote := endpoint("api-remote", "us", 1, 0)
			for _, ep := range []*types.ServiceEndpoint{src, local, remote} {
				Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())
			}

			got := ctrl.selectTarget(errorRateRule(), src)
			Expect(got.ID).To(Equal(local.ID))
		})

		It("picks the lowest priority number under the default selection", func() {
			src := endpoint("api-src", "eu", 0, 0)
			second := endpoint("api-b", "eu", 2, 0)
			first := endpoint("api-a", "eu", 1, 0)
			for _, ep := range []*types.ServiceEndpoint{src, second, first} {
				Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())
			}

			got := ctrl.selectTarget(errorRateRule(), src)
			Expect(got.ID).To(Equal(first.ID))
		})

		It("picks the least loaded candidate under LOWEST_LOAD", func() {
			src := endpoint("api-src", "eu", 0, 0)
			busy := endpoint("api-busy", "eu", 1, 80)
			idle := endpoint("api-idle", "eu", 5, 3)
			for _, ep := range []*types.ServiceEndpoint{src, busy, idle} {
				Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())
			}

			rule := errorRateRule()
			rule.FailoverStrategy.Selection = types.SelectLowestLoad
			got := ctrl.selectTarget(rule, src)
			Expect(got.ID).To(Equal(idle.ID))
		})

		It("rotates through candidates under ROUND_ROBIN", func() {
			src := endpoint("api-src", "eu", 0, 0)
			a := endpoint("api-a", "eu", 1, 0)
			b := endpoint("api-b", "eu", 2, 0)
			for _, ep := range []*types.ServiceEndpoint{src, a, b} {
				Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())
			}

			rule := errorRateRule()
			rule.ID = uuid.NewString()
			rule.FailoverStrategy.Selection = types.SelectRoundRobin
			seen := map[string]bool{}
			for i := 0; i < 10; i++ {
				seen[ctrl.selectTarget(rule, src).ID] = true
			}
			Expect(seen).To(HaveKey(a.ID))
			Expect(seen).To(HaveKey(b.ID))
		})

		It("skips unhealthy and maintenance candidates", func() {
			src := endpoint("api-src", "eu", 0, 0)
			down := endpoint("api-down", "eu", 1, 0)
			down.Status = types.EndpointUnhealthy
			for _, ep := range []*types.ServiceEndpoint{src, down} {
				Expect(ctrl.RegisterEndpoint(context.Background(), ep)).To(Succeed())
			}
			Expect(ctrl.selectTarget(errorRateRule(), src)).To(BeNil())
		})
	})

	Describe("detection and execution", func() {
		It("runs a triggered failover to completion", func() {
			src := endpoint("api-primary", "eu", 0, 7)
			dst := endpoint("api-standby", "eu", 1, 0)
			Expect(ctrl.RegisterEndpoint(context.Background(), src)).To(Succeed())
			Expect(ctrl.RegisterEndpoint(context.Background(), dst)).To(Succeed())
			rule := errorRateRule()
			Expect(ctrl.AddRule(context.Background(), rule)).To(Succeed())
			failWindow(src.ID)

			triggered := eventBus.Subscribe(4, bus.KindFailoverTriggered)
			defer triggered.Unsubscribe()
			completed := eventBus.Subscribe(4, bus.KindFailoverCompleted)
			defer completed.Unsubscribe()

			ctrl.Start(context.Background())
			defer ctrl.Stop()
			ctrl.detect()

			var ev bus.Event
			Eventually(triggered.C, "2s").Should(Receive(&ev))
			fired, ok := ev.Payload.(*types.FailoverEvent)
			Expect(ok).To(BeTrue())
			Expect(fired.SourceEndpoint).To(Equal(src.ID))
			Expect(fired.TargetEndpoint).To(Equal(dst.ID))
			Expect(fired.Conditions).To(HaveKeyWithValue("error_rate", 100.0))
			Expect(fired.AffectedConnections).To(Equal(7))

			Eventually(completed.C, "2s").Should(Receive())

			calls := router.recorded()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0]).To(Equal(redirectCall{source: src.ID, target: dst.ID, share: 1}))

			source, err := ctrl.Endpoint(src.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(source.Status).To(Equal(types.EndpointUnhealthy))
			Expect(source.CurrentLoad).To(BeZero())
			target, err := ctrl.Endpoint(dst.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(target.CurrentLoad).To(Equal(7))

			// The event log holds one event, advanced to its final state,
			// and the archive saw every transition.
			events := ctrl.Events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].Status).To(Equal(types.FailoverCompleted))
			archived := archive.recorded()
			Expect(len(archived)).To(BeNumerically(">=", 3))
			Expect(archived[0].Status).To(Equal(types.FailoverTriggered))
			Expect(archived[len(archived)-1].Status).To(Equal(types.FailoverCompleted))

			// Within the cooldown period the rule stays quiet.
			ctrl.detect()
			Consistently(triggered.C, "200ms").ShouldNot(Receive())
		})

		It("leaves endpoints in maintenance alone", func() {
			src := endpoint("api-primary", "eu", 0, 0)
			dst := endpoint("api-standby", "eu", 1, 0)
			Expect(ctrl.RegisterEndpoint(context.Background(), src)).To(Succeed())
			Expect(ctrl.RegisterEndpoint(context.Background(), dst)).To(Succeed())
			Expect(ctrl.AddRule(context.Background(), errorRateRule())).To(Succeed())
			failWindow(src.ID)
			Expect(ctrl.SetMaintenance(context.Background(), src.ID, true)).To(Succeed())

			triggered := eventBus.Subscribe(4, bus.KindFailoverTriggered)
			defer triggered.Unsubscribe()

			ctrl.Start(context.Background())
			defer ctrl.Stop()
			ctrl.detect()
			Consistently(triggered.C, "200ms").ShouldNot(Receive())
		})

		It("defers when the concurrency cap is reached", func() {
			ctrl.cfg.MaxConcurrentFailovers = 1
			ctrl.active.Add(1)
			src := endpoint("api-primary", "eu", 0, 0)
			dst := endpoint("api-standby", "eu", 1, 0)
			Expect(ctrl.RegisterEndpoint(context.Background(), src)).To(Succeed())
			Expect(ctrl.RegisterEndpoint(context.Background(), dst)).To(Succeed())
			Expect(ctrl.AddRule(context.Background(), errorRateRule())).To(Succeed())
			failWindow(src.ID)

			triggered := eventBus.Subscribe(4, bus.KindFailoverTriggered)
			defer triggered.Unsubscribe()

			ctrl.Start(context.Background())
			defer ctrl.Stop()
			ctrl.detect()
			Consistently(triggered.C, "200ms").ShouldNot(Receive())
		})

		It("does not burn the cooldown on a deferred evaluation", func() {
			ctrl.cfg.MaxConcurrentFailovers = 1
			ctrl.active.Add(1)
			src := endpoint("api-primary", "eu", 0, 0)
			dst := endpoint("api-standby", "eu", 1, 0)
			Expect(ctrl.RegisterEndpoint(context.Background(), src)).To(Succeed())
			Expect(ctrl.RegisterEndpoint(context.Background(), dst)).To(Succeed())
			Expect(ctrl.AddRule(context.Background(), errorRateRule())).To(Succeed())
			failWindow(src.ID)

			triggered := eventBus.Subscribe(4, bus.KindFailoverTriggered)
			defer triggered.Unsubscribe()

			ctrl.Start(context.Background())
			defer ctrl.Stop()
			ctrl.detect()
			Consistently(triggered.C, "200ms").ShouldNot(Receive())
			Expect(ctrl.endpoints[src.ID].lastFailover.IsZero()).To(BeTrue(),
				"a deferred failover must leave the endpoint retryable")

			// Capacity frees up; the very next cycle may fire despite the
			// one-hour cooldown configured on the rule.
			ctrl.active.Add(-1)
			ctrl.detect()
			Eventually(triggered.C).Should(Receive())
		})

		It("stays retryable when no healthy target exists", func() {
			src := endpoint("api-primary", "eu", 0, 0)
			Expect(ctrl.RegisterEndpoint(context.Background(), src)).To(Succeed())
			Expect(ctrl.AddRule(context.Background(), errorRateRule())).To(Succeed())
			failWindow(src.ID)

			ctrl.Start(context.Background())
			defer ctrl.Stop()
			ctrl.detect()
			Expect(ctrl.endpoints[src.ID].lastFailover.IsZero()).To(BeTrue())
		})

		It("fails a blue-green move when the target flunks readiness", func() {
			src := endpoint("api-primary", "eu", 0, 0)
			dst := endpoint("api-standby", "eu", 1, 0)
			dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
			dst.URL = dead.URL
			dead.Close()
			Expect(ctrl.RegisterEndpoint(context.Background(), src)).To(Succeed())
			Expect(ctrl.RegisterEndpoint(context.Background(), dst)).To(Succeed())

			rule := errorRateRule()
			rule.FailoverStrategy.Type = types.StrategyBlueGreen

			failed := eventBus.Subscribe(4, bus.KindFailoverFailed)
			defer failed.Unsubscribe()

			target, _ := ctrl.Endpoint(dst.ID)
			ctrl.executeFailover(context.Background(), rule, ctrl.endpoints[src.ID], target, map[string]float64{"error_rate": 100})

			var ev bus.Event
			Eventually(failed.C, "2s").Should(Receive(&ev))
			fired := ev.Payload.(*types.FailoverEvent)
			Expect(fired.Status).To(Equal(types.FailoverFailed))
			Expect(router.recorded()).To(BeEmpty())

			// The source keeps its status; no traffic moved.
			source, _ := ctrl.Endpoint(src.ID)
			Expect(source.Status).To(Equal(types.EndpointHealthy))
		})
	})

	Describe("traffic ramps", func() {
		It("splits a gradual move into even steps", func() {
			src := endpoint("api-primary", "eu", 0, 0)
			dst := endpoint("api-standby", "eu", 1, 0)
			strategy := types.FailoverStrategy{Type: types.StrategyGradual, Steps: 4}

			Expect(ctrl.runStrategy(context.Background(), strategy, src, dst)).To(Succeed())
			calls := router.recorded()
			Expect(calls).To(HaveLen(4))
			Expect(calls[0].share).To(Equal(0.25))
			Expect(calls[1].share).To(Equal(0.5))
			Expect(calls[2].share).To(Equal(0.75))
			Expect(calls[3].share).To(Equal(1.0))
		})

		It("rejects an unknown strategy type", func() {
			err := ctrl.runStrategy(context.Background(), types.FailoverStrategy{Type: "TELEPORT"}, nil, nil)
			Expect(types.Kind(err)).To(Equal(types.KindValidation))
		})

		It("ramps recovery traffic back in increments", func() {
			from := endpoint("api-standby", "eu", 1, 0)
			to := endpoint("api-primary", "eu", 0, 0)
			strategy := types.RecoveryStrategy{InitialPercentage: 50, IncrementPercentage: 25}

			Expect(ctrl.rampBack(context.Background(), strategy, from, to)).To(Succeed())
			calls := router.recorded()
			Expect(calls).To(HaveLen(3))
			Expect(calls[0].share).To(Equal(0.5))
			Expect(calls[1].share).To(Equal(0.75))
			Expect(calls[2].share).To(Equal(1.0))
		})

		It("cuts over at once when no ramp is configured", func() {
			Expect(ctrl.rampBack(context.Background(), types.RecoveryStrategy{},
				endpoint("a", "eu", 0, 0), endpoint("b", "eu", 0, 0))).To(Succeed())
			calls := router.recorded()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].share).To(Equal(1.0))
		})
	})

	Describe("event log", func() {
		It("returns events newest first", func() {
			older := &types.FailoverEvent{ID: "ev-old", Timestamp: time.Now().Add(-time.Hour), Status: types.FailoverCompleted}
			newer := &types.FailoverEvent{ID: "ev-new", Timestamp: time.Now(), Status: types.FailoverTriggered}
			ctrl.recordEvent(context.Background(), older)
			ctrl.recordEvent(context.Background(), newer)

			events := ctrl.Events()
			Expect(events).To(HaveLen(2))
			Expect(events[0].ID).To(Equal("ev-new"))
			Expect(events[1].ID).To(Equal("ev-old"))
		})
	})

	Describe("health", func() {
		It("reports occupancy", func() {
			Expect(ctrl.RegisterEndpoint(context.Background(), endpoint("api-a", "eu", 0, 0))).To(Succeed())
			ok, detail := ctrl.Health(context.Background())
			Expect(ok).To(BeTrue())
			Expect(detail).To(HaveKeyWithValue("endpoints", "1"))
			Expect(detail).To(HaveKeyWithValue("rules", "0"))
		})
	})
})
