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

// Package server is the HTTP surface: health and readiness, metrics,
// service definition CRUD, heartbeat registration, manual checks and
// the failover control endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/failover"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/monitoring"
	"github.com/m00npl/guardant-sub002/pkg/monitoring/probes"
	"github.com/m00npl/guardant-sub002/pkg/registry"
	"github.com/m00npl/guardant-sub002/pkg/resilience"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// HealthChecker is implemented by every component that reports into
// the readiness endpoint.
type HealthChecker interface {
	Health(ctx context.Context) (bool, map[string]string)
}

// Server hosts the HTTP API.
type Server struct {
	cfg        config.ServerConfig
	registry   *registry.Registry
	engine     *monitoring.Engine
	controller *failover.Controller
	heartbeats probes.HeartbeatStore
	limiter    *resilience.RateLimiter // nil disables request limiting
	metrics    *metrics.Metrics
	logger     *zap.Logger
	checkers   map[string]HealthChecker

	http *http.Server
}

// New wires the router. limiter and controller may be nil.
func New(
	cfg config.ServerConfig,
	reg *registry.Registry,
	engine *monitoring.Engine,
	controller *failover.Controller,
	heartbeats probes.HeartbeatStore,
	limiter *resilience.RateLimiter,
	m *metrics.Metrics,
	logger *zap.Logger,
	checkers map[string]HealthChecker,
) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   reg,
		engine:     engine,
		controller: controller,
		heartbeats: heartbeats,
		limiter:    limiter,
		metrics:    m,
		logger:     logger,
		checkers:   checkers,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Route("/nests/{nestID}/services", func(r chi.Router) {
			r.Get("/", s.handleListServices)
			r.Post("/", s.handleCreateService)
			r.Route("/{serviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetService)
				r.Put("/", s.handleUpdateService)
				r.Delete("/", s.handleDeleteService)
			})
		})

		r.Post("/heartbeat/{nestID}/{serviceID}", s.handleHeartbeat)
		r.Post("/checks/{nestID}/{serviceID}/run", s.handleCheckNow)

		if s.controller != nil {
			r.Route("/failover", func(r chi.Router) {
				r.Post("/endpoints", s.handleRegisterEndpoint)
				r.Delete("/endpoints/{endpointID}", s.handleRemoveEndpoint)
				r.Put("/endpoints/{endpointID}/maintenance", s.handleMaintenance)
				r.Post("/rules", s.handleAddRule)
				r.Delete("/rules/{ruleID}", s.handleRemoveRule)
				r.Get("/events", s.handleListEvents)
			})
		}
	})
	return r
}

// Run serves until ctx is canceled, then shuts down in stages: stop
// accepting, drain in-flight requests within the write timeout plus
// grace, then return.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.cfg.WriteTimeout + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.logger.Info("http server draining", zap.Duration("grace", grace))
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http drain incomplete, closing", zap.Error(err))
		return s.http.Close()
	}
	return nil
}

// rateLimit applies the shared limiter per client IP and route.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := resilience.RateLimitKey{Scope: "ip", Identity: r.RemoteAddr, Endpoint: r.URL.Path}
		decision, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			// The limiter already applied its fail-open/closed policy.
			s.logger.Warn("rate limit decision errored", zap.Error(err))
		}
		cfg := s.limiter.Config()
		decision.WriteHeaders(w, cfg)
		if !decision.Allowed {
			s.writeErrorDetails(w, r, types.NewRateLimitError("request rate exceeded", decision.RetryAfter), rateLimitDetails{
				Limit:         decision.Limit,
				WindowSeconds: int(cfg.Window.Seconds()),
				RetryAfter:    int(decision.RetryAfter.Seconds() + 0.999),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.handleReady(w, r)
}

// handleReady aggregates component health; a degraded backend still
// reads ready, a dead cache does not.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	components := make(map[string]map[string]string, len(s.checkers))
	for name, checker := range s.checkers {
		ok, details := checker.Health(ctx)
		components[name] = details
		if !ok {
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	nestID := chi.URLParam(r, "nestID")
	if !types.ValidNestID(nestID) {
		s.writeError(w, r, types.NewError(types.KindValidation, "invalid nest id: "+nestID, nil))
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.ListByNest(nestID))
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var def types.ServiceDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeError(w, r, types.NewError(types.KindValidation, "undecodable definition body", err))
		return
	}
	def.NestID = chi.URLParam(r, "nestID")
	created, err := s.registry.Create(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	def, err := s.registry.Get(chi.URLParam(r, "nestID"), chi.URLParam(r, "serviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var def types.ServiceDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeError(w, r, types.NewError(types.KindValidation, "undecodable definition body", err))
		return
	}
	def.NestID = chi.URLParam(r, "nestID")
	def.ID = chi.URLParam(r, "serviceID")
	updated, err := s.registry.Update(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "nestID"), chi.URLParam(r, "serviceID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHeartbeat records an out-of-band heartbeat for a heartbeat
// service. The service must exist and belong to the nest.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nestID := chi.URLParam(r, "nestID")
	serviceID := chi.URLParam(r, "serviceID")
	if _, err := s.registry.Get(nestID, serviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now()
	s.heartbeats.Beat(nestID, serviceID, now)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"receivedAt": now.UTC()})
}

// handleCheckNow runs one check immediately without rescheduling.
func (s *Server) handleCheckNow(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.CheckNow(r.Context(), chi.URLParam(r, "nestID"), chi.URLParam(r, "serviceID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var ep types.ServiceEndpoint
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		s.writeError(w, r, types.NewError(types.KindValidation, "undecodable endpoint body", err))
		return
	}
	if err := s.controller.RegisterEndpoint(r.Context(), &ep); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.RemoveEndpoint(r.Context(), chi.URLParam(r, "endpointID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Maintenance bool `json:"maintenance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, types.NewError(types.KindValidation, "undecodable maintenance body", err))
		return
	}
	if err := s.controller.SetMaintenance(r.Context(), chi.URLParam(r, "endpointID"), body.Maintenance); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule types.FailoverRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, r, types.NewError(types.KindValidation, "undecodable rule body", err))
		return
	}
	if err := s.controller.AddRule(r.Context(), &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.RemoveRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Events())
}

// writeJSON renders v; encoding failures are logged, the status is
// already committed.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

// apiError is the error half of the canonical response envelope. The
// category is the error kind; the code is its stable machine-readable
// alias.
type apiError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Category  string      `json:"category"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"requestId,omitempty"`
	TraceID   string      `json:"traceId,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

type errorResponse struct {
	Success bool     `json:"success"`
	Error   apiError `json:"error"`
}

// rateLimitDetails rides along on 429 responses so clients can back
// off without parsing headers.
type rateLimitDetails struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"windowSeconds"`
	RetryAfter    int `json:"retryAfter"`
}

func errorCode(kind types.ErrorKind) string {
	switch kind {
	case types.KindValidation:
		return "VALIDATION_ERROR"
	case types.KindNotFound:
		return "NOT_FOUND"
	case types.KindAuth:
		return "FORBIDDEN"
	case types.KindRateLimit:
		return "RATE_LIMIT_EXCEEDED"
	case types.KindTimeout:
		return "UPSTREAM_TIMEOUT"
	case types.KindUpstream, types.KindNetwork:
		return "UPSTREAM_ERROR"
	case types.KindStorage:
		return "STORAGE_UNAVAILABLE"
	case types.KindQueue:
		return "QUEUE_UNAVAILABLE"
	}
	return "INTERNAL_ERROR"
}

// writeError maps error kinds onto HTTP statuses with the canonical
// error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorDetails(w, r, err, nil)
}

func (s *Server) writeErrorDetails(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	kind := types.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindAuth:
		status = http.StatusForbidden
	case types.KindRateLimit:
		status = http.StatusTooManyRequests
	case types.KindTimeout:
		status = http.StatusGatewayTimeout
	case types.KindUpstream, types.KindNetwork:
		status = http.StatusBadGateway
	case types.KindStorage, types.KindQueue:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, errorResponse{
		Success: false,
		Error: apiError{
			Code:      errorCode(kind),
			Message:   err.Error(),
			Category:  string(kind),
			Timestamp: time.Now().UTC(),
			RequestID: middleware.GetReqID(r.Context()),
			Details:   details,
		},
	})
}
