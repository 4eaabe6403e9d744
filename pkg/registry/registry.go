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

// Package registry holds the validated service definitions and
// converts them into the runtime descriptors the engine dispatches.
// The engine observes membership through bus events; changes take
// effect before the service's next tick.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/storage"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Config tunes the registry.
type Config struct {
	// MaxServicesPerNest caps definitions per tenant; zero disables
	// the cap.
	MaxServicesPerNest int
}

// Registry validates, stores and serves service definitions.
type Registry struct {
	config    Config
	validator *Validator
	adapter   *storage.Adapter // nil skips persistence
	bus       *bus.Bus
	logger    *zap.Logger

	mu       sync.RWMutex
	services map[string]*types.ServiceDefinition // by id
	byNest   map[string]map[string]struct{}      // nest -> ids
}

// New creates an empty registry. adapter may be nil for in-memory
// operation (tests).
func New(cfg Config, adapter *storage.Adapter, eventBus *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		config:    cfg,
		validator: NewValidator(),
		adapter:   adapter,
		bus:       eventBus,
		logger:    logger,
		services:  make(map[string]*types.ServiceDefinition),
		byNest:    make(map[string]map[string]struct{}),
	}
}

// Create validates and registers a definition. Defaults are filled
// before validation so templates stay thin.
func (r *Registry) Create(ctx context.Context, def *types.ServiceDefinition) (*types.ServiceDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	applyDefaults(def)
	if err := r.validator.Validate(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.config.MaxServicesPerNest > 0 && len(r.byNest[def.NestID]) >= r.config.MaxServicesPerNest {
		r.mu.Unlock()
		return nil, types.NewError(types.KindValidation,
			fmt.Sprintf("nest %s reached its cap of %d services", def.NestID, r.config.MaxServicesPerNest), nil)
	}
	if _, exists := r.services[def.ID]; exists {
		r.mu.Unlock()
		return nil, types.NewError(types.KindValidation, "service id already registered: "+def.ID, nil)
	}
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.LastStatus = types.StatusUnknown
	r.services[def.ID] = def
	if r.byNest[def.NestID] == nil {
		r.byNest[def.NestID] = make(map[string]struct{})
	}
	r.byNest[def.NestID][def.ID] = struct{}{}
	r.mu.Unlock()

	r.persist(ctx, def)
	if r.bus != nil {
		r.bus.Publish(bus.KindServiceAdded, r.ToDescriptor(def))
	}
	r.logger.Info("service registered",
		zap.String("nest", def.NestID),
		zap.String("service", def.ID),
		zap.String("type", string(def.Type)))
	return def, nil
}

// Update replaces an existing definition after validation.
func (r *Registry) Update(ctx context.Context, def *types.ServiceDefinition) (*types.ServiceDefinition, error) {
	applyDefaults(def)
	if err := r.validator.Validate(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.services[def.ID]
	if !ok || existing.NestID != def.NestID {
		r.mu.Unlock()
		return nil, types.NewError(types.KindNotFound, "service not found: "+def.ID, nil)
	}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now()
	// Carry the runtime shadow; the engine owns it.
	def.LastStatus = existing.LastStatus
	def.LastCheck = existing.LastCheck
	def.StatusMessage = existing.StatusMessage
	def.ResponseTime = existing.ResponseTime
	r.services[def.ID] = def
	r.mu.Unlock()

	r.persist(ctx, def)
	if r.bus != nil {
		r.bus.Publish(bus.KindServiceUpdated, r.ToDescriptor(def))
	}
	return def, nil
}

// Delete removes a definition; the engine stops dispatching for it
// before its next tick.
func (r *Registry) Delete(ctx context.Context, nestID, serviceID string) error {
	r.mu.Lock()
	def, ok := r.services[serviceID]
	if !ok || def.NestID != nestID {
		r.mu.Unlock()
		return types.NewError(types.KindNotFound, "service not found: "+serviceID, nil)
	}
	delete(r.services, serviceID)
	delete(r.byNest[nestID], serviceID)
	r.mu.Unlock()

	if r.adapter != nil {
		if err := r.adapter.Delete(ctx, nestID, types.DataTypeDefinitions, serviceID); err != nil {
			r.logger.Warn("definition delete not persisted",
				zap.String("service", serviceID),
				zap.Error(err))
		}
	}
	if r.bus != nil {
		r.bus.Publish(bus.KindServiceRemoved, serviceID)
	}
	return nil
}

// Get returns one definition.
func (r *Registry) Get(nestID, serviceID string) (*types.ServiceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.services[serviceID]
	if !ok || def.NestID != nestID {
		return nil, types.NewError(types.KindNotFound, "service not found: "+serviceID, nil)
	}
	return def, nil
}

// ListByNest returns the live set for a tenant.
func (r *Registry) ListByNest(nestID string) []*types.ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ServiceDefinition, 0, len(r.byNest[nestID]))
	for id := range r.byNest[nestID] {
		out = append(out, r.services[id])
	}
	return out
}

// ListEnabled returns every enabled definition across nests; the
// engine seeds its schedulers from this at startup.
func (r *Registry) ListEnabled() []*types.ServiceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.ServiceDefinition
	for _, def := range r.services {
		if def.Enabled {
			out = append(out, def)
		}
	}
	return out
}

// UpdateShadow applies a probe outcome to the definition's runtime
// shadow. Returns the previous status.
func (r *Registry) UpdateShadow(serviceID string, status types.ServiceStatus, message string, at time.Time, responseTime time.Duration) (types.ServiceStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.services[serviceID]
	if !ok {
		return "", false
	}
	prev := def.LastStatus
	def.LastStatus = status
	def.LastCheck = at
	def.StatusMessage = message
	def.ResponseTime = responseTime
	return prev, true
}

// ToDescriptor flattens a definition into the immutable runtime view
// consumed by probe implementations.
func (r *Registry) ToDescriptor(def *types.ServiceDefinition) *types.ServiceDescriptor {
	retries := -1 // unset; the engine substitutes its default
	if def.Retries != nil {
		retries = *def.Retries
	}
	return &types.ServiceDescriptor{
		ServiceID:  def.ID,
		NestID:     def.NestID,
		Name:       def.Name,
		Type:       def.Type,
		Target:     def.Target,
		Timeout:    def.Timeout,
		Interval:   def.Interval,
		Retries:    retries,
		RetryDelay: def.RetryDelay,
		Web:        def.Web,
		TCP:        def.TCP,
		Ping:       def.Ping,
		DNS:        def.DNS,
		SSL:        def.SSL,
		Keyword:    def.Keyword,
		Heartbeat:  def.Heartbeat,
		GitHub:     def.GitHub,
		Assertion:  def.Assertion,
		Cloud:      def.Cloud,
		Container:  def.Container,
	}
}

// Load restores persisted definitions for a tenant from the storage
// adapter; called at startup for known nests.
func (r *Registry) Load(ctx context.Context, nestID string) (int, error) {
	if r.adapter == nil {
		return 0, nil
	}
	payloads, err := r.adapter.GetByType(ctx, nestID, types.DataTypeDefinitions)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for key, payload := range payloads {
		var def types.ServiceDefinition
		if err := json.Unmarshal(payload, &def); err != nil {
			r.logger.Warn("undecodable persisted definition skipped",
				zap.String("nest", nestID),
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.services[def.ID] = &def
		if r.byNest[def.NestID] == nil {
			r.byNest[def.NestID] = make(map[string]struct{})
		}
		r.byNest[def.NestID][def.ID] = struct{}{}
		r.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

func (r *Registry) persist(ctx context.Context, def *types.ServiceDefinition) {
	if r.adapter == nil {
		return
	}
	payload, err := json.Marshal(def)
	if err != nil {
		r.logger.Error("definition marshal failed", zap.String("service", def.ID), zap.Error(err))
		return
	}
	if _, err := r.adapter.Store(ctx, def.NestID, types.DataTypeDefinitions, def.ID, payload); err != nil {
		r.logger.Warn("definition not persisted",
			zap.String("service", def.ID),
			zap.Error(err))
	}
}

// applyDefaults fills schedule defaults before validation.
func applyDefaults(def *types.ServiceDefinition) {
	if def.Timeout <= 0 {
		def.Timeout = 10 * time.Second
	}
	if def.RetryDelay <= 0 {
		def.RetryDelay = 2 * time.Second
	}
	if def.Type == types.ServiceTypeSSL && def.SSL == nil {
		def.SSL = &types.SSLConfig{WarningDays: 30}
	}
	if def.Type == types.ServiceTypeHeartbeat && def.Heartbeat != nil && def.Heartbeat.Tolerance <= 0 {
		def.Heartbeat.Tolerance = 5 * time.Second
	}
}

// Health reports registry occupancy.
func (r *Registry) Health(context.Context) (bool, map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return true, map[string]string{"services": fmt.Sprintf("%d", len(r.services))}
}
