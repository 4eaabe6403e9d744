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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/failover"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/monitoring"
	"github.com/m00npl/guardant-sub002/pkg/monitoring/probes"
	"github.com/m00npl/guardant-sub002/pkg/registry"
	"github.com/m00npl/guardant-sub002/pkg/resilience"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// upProber answers every probe with an up verdict.
type upProber struct{}

func (upProber) Probe(_ context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	return &types.CheckResult{
		ServiceID: desc.ServiceID,
		NestID:    desc.NestID,
		Status:    types.StatusUp,
		Message:   "HTTP 200",
		Timestamp: time.Now(),
	}, nil
}

// staticChecker reports a fixed readiness verdict.
type staticChecker struct {
	ok     bool
	detail map[string]string
}

func (c staticChecker) Health(context.Context) (bool, map[string]string) {
	return c.ok, c.detail
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Category  string    `json:"category"`
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"requestId"`
		Details   struct {
			Limit         int `json:"limit"`
			WindowSeconds int `json:"windowSeconds"`
			RetryAfter    int `json:"retryAfter"`
		} `json:"details"`
	} `json:"error"`
}

var _ = Describe("HTTP API", func() {
	var (
		eventBus   *bus.Bus
		reg        *registry.Registry
		heartbeats *probes.MemoryHeartbeats
		controller *failover.Controller
		limiter    *resilience.RateLimiter
		checkers   map[string]HealthChecker
		ts         *httptest.Server
	)

	BeforeEach(func() {
		eventBus = bus.New(zap.NewNop())
		reg = registry.New(registry.Config{}, nil, eventBus, zap.NewNop())
		heartbeats = probes.NewMemoryHeartbeats()
		limiter = nil
		checkers = nil
	})

	JustBeforeEach(func() {
		m := metrics.NewWithRegistry("test", prometheus.NewRegistry())
		breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{
			FailureThreshold: 100,
			Window:           time.Minute,
			Cooldown:         time.Minute,
			HalfOpenMaxCalls: 1,
		}, m, zap.NewNop())
		engine := monitoring.New(config.MonitoringConfig{
			CheckTimeout:     time.Second,
			ConcurrentChecks: 2,
			StartupJitter:    time.Millisecond,
		}, reg, probes.Set{types.ServiceTypeWeb: upProber{}}, nil, eventBus, breakers, nil, nil, m, zap.NewNop())
		controller = failover.New(config.FailoverConfig{}, nil, nil, nil, eventBus, m, zap.NewNop())

		srv := New(config.ServerConfig{Port: 0}, reg, engine, controller, heartbeats, limiter, m, zap.NewNop(), checkers)
		ts = httptest.NewServer(srv.routes())
	})

	AfterEach(func() {
		ts.Close()
		eventBus.Close()
	})

	definition := func() *types.ServiceDefinition {
		return &types.ServiceDefinition{
			Name:     "homepage",
			Type:     types.ServiceTypeWeb,
			Target:   "https://example.com",
			Interval: time.Minute,
			Enabled:  true,
		}
	}

	postJSON := func(path string, v interface{}) *http.Response {
		payload, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	createService := func() *types.ServiceDefinition {
		resp := postJSON("/api/v1/nests/acme/services", definition())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var created types.ServiceDefinition
		Expect(json.NewDecoder(resp.Body).Decode(&created)).To(Succeed())
		Expect(created.ID).NotTo(BeEmpty())
		return &created
	}

	decodeError := func(resp *http.Response) errorBody {
		defer resp.Body.Close()
		var body errorBody
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return body
	}

	Describe("service definitions", func() {
		It("creates, lists and deletes a service", func() {
			created := createService()

			resp, err := http.Get(ts.URL + "/api/v1/nests/acme/services")
			Expect(err).NotTo(HaveOccurred())
			var listed []*types.ServiceDefinition
			Expect(json.NewDecoder(resp.Body).Decode(&listed)).To(Succeed())
			resp.Body.Close()
			Expect(listed).To(HaveLen(1))

			req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/nests/acme/services/"+created.ID, nil)
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})

		It("rejects an undecodable body with the canonical error envelope", func() {
			resp, err := http.Post(ts.URL+"/api/v1/nests/acme/services", "application/json", bytes.NewReader([]byte("{")))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			body := decodeError(resp)
			Expect(body.Success).To(BeFalse())
			Expect(body.Error.Code).To(Equal("VALIDATION_ERROR"))
			Expect(body.Error.Category).To(Equal("validation"))
			Expect(body.Error.Message).NotTo(BeEmpty())
			Expect(body.Error.Timestamp).To(BeTemporally("~", time.Now(), 5*time.Second))
			Expect(body.Error.RequestID).NotTo(BeEmpty())
		})

		It("rejects an invalid nest id on listing", func() {
			resp, err := http.Get(ts.URL + "/api/v1/nests/ACME/services")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Error.Category).To(Equal("validation"))
		})

		It("maps a missing service to 404 with the canonical error body", func() {
			resp, err := http.Get(ts.URL + "/api/v1/nests/acme/services/no-such-id")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			body := decodeError(resp)
			Expect(body.Error.Code).To(Equal("NOT_FOUND"))
			Expect(body.Error.Category).To(Equal("not_found"))
		})
	})

	Describe("heartbeats", func() {
		It("acknowledges a beat for a registered service", func() {
			created := createService()

			resp := postJSON("/api/v1/heartbeat/acme/"+created.ID, nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var ack struct {
				ReceivedAt time.Time `json:"receivedAt"`
			}
			Expect(json.NewDecoder(resp.Body).Decode(&ack)).To(Succeed())
			Expect(ack.ReceivedAt).To(BeTemporally("~", time.Now(), 5*time.Second))

			_, ok := heartbeats.Last("acme", created.ID)
			Expect(ok).To(BeTrue())
		})

		It("refuses beats for unknown services", func() {
			resp := postJSON("/api/v1/heartbeat/acme/no-such-id", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("manual checks", func() {
		It("runs one check and returns the verdict", func() {
			created := createService()

			resp := postJSON("/api/v1/checks/acme/"+created.ID+"/run", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var res types.CheckResult
			Expect(json.NewDecoder(resp.Body).Decode(&res)).To(Succeed())
			Expect(res.Status).To(Equal(types.StatusUp))
		})
	})

	Describe("failover control", func() {
		It("registers an endpoint and serves the event log", func() {
			resp := postJSON("/api/v1/failover/endpoints", &types.ServiceEndpoint{
				Name: "api-primary",
				URL:  "http://api-primary.internal:8080",
			})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var ep types.ServiceEndpoint
			Expect(json.NewDecoder(resp.Body).Decode(&ep)).To(Succeed())
			Expect(ep.ID).NotTo(BeEmpty())
			Expect(ep.Status).To(Equal(types.EndpointHealthy))

			events, err := http.Get(ts.URL + "/api/v1/failover/events")
			Expect(err).NotTo(HaveOccurred())
			defer events.Body.Close()
			Expect(events.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects a rule whose pattern does not compile", func() {
			resp := postJSON("/api/v1/failover/rules", &types.FailoverRule{
				Name:           "broken",
				ServicePattern: "api-[",
				TriggerConditions: []types.TriggerCondition{
					{Metric: types.MetricErrorRate, Operator: "gt", Threshold: 50},
				},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeError(resp).Error.Category).To(Equal("validation"))
		})

		It("flips maintenance through the API", func() {
			resp := postJSON("/api/v1/failover/endpoints", &types.ServiceEndpoint{
				Name: "api-primary",
				URL:  "http://api-primary.internal:8080",
			})
			var ep types.ServiceEndpoint
			Expect(json.NewDecoder(resp.Body).Decode(&ep)).To(Succeed())
			resp.Body.Close()

			payload, _ := json.Marshal(map[string]bool{"maintenance": true})
			req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/failover/endpoints/"+ep.ID+"/maintenance", bytes.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			put, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			put.Body.Close()
			Expect(put.StatusCode).To(Equal(http.StatusNoContent))

			got, err := controller.Endpoint(ep.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(types.EndpointMaintenance))
		})
	})

	Describe("health endpoints", func() {
		Context("with a failing component", func() {
			BeforeEach(func() {
				checkers = map[string]HealthChecker{
					"cache":   staticChecker{ok: false, detail: map[string]string{"error": "connection refused"}},
					"backend": staticChecker{ok: true},
				}
			})

			It("reports not ready", func() {
				resp, err := http.Get(ts.URL + "/health/ready")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				var body struct {
					Ready      bool                         `json:"ready"`
					Components map[string]map[string]string `json:"components"`
				}
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body.Ready).To(BeFalse())
				Expect(body.Components["cache"]).To(HaveKeyWithValue("error", "connection refused"))
			})
		})

		It("always answers liveness", func() {
			resp, err := http.Get(ts.URL + "/health/live")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("exposes the metrics registry", func() {
			resp, err := http.Get(ts.URL + "/metrics")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("rate limiting", func() {
		var mr *miniredis.Miniredis
		var rdb *redis.Client

		BeforeEach(func() {
			var err error
			mr, err = miniredis.Run()
			Expect(err).NotTo(HaveOccurred())
			rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
			limiter = resilience.NewRateLimiter(resilience.RateLimitConfig{
				Algorithm:   resilience.SlidingWindow,
				MaxRequests: 2,
				Window:      time.Minute,
			}, resilience.NewRedisLimiterStore(rdb), metrics.NewWithRegistry("test", nil), zap.NewNop())
		})

		AfterEach(func() {
			rdb.Close()
			mr.Close()
		})

		It("denies the request over the limit with caller feedback", func() {
			client := ts.Client()
			for i := 0; i < 2; i++ {
				resp, err := client.Get(ts.URL + "/api/v1/nests/acme/services")
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			}

			resp, err := client.Get(ts.URL + "/api/v1/nests/acme/services")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(resp.Header.Get("X-RateLimit-Limit")).To(Equal("2"))
			Expect(resp.Header.Get("X-RateLimit-Remaining")).To(Equal("0"))
			Expect(resp.Header.Get("Retry-After")).NotTo(BeEmpty())

			body := decodeError(resp)
			Expect(body.Success).To(BeFalse())
			Expect(body.Error.Code).To(Equal("RATE_LIMIT_EXCEEDED"))
			Expect(body.Error.Category).To(Equal("rate_limit"))
			Expect(body.Error.Details.Limit).To(Equal(2))
			Expect(body.Error.Details.WindowSeconds).To(Equal(60))
			Expect(strconv.Itoa(body.Error.Details.RetryAfter)).To(Equal(resp.Header.Get("Retry-After")))
		})
	})
})
