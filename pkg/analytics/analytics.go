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

// Package analytics consumes check results off the bus and batches
// them into the tenant store: sampled raw results under ANALYTICS and
// an SLA record for every non-up verdict under SLA_DATA.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/storage"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// SLARecord notes one non-up verdict for availability accounting.
type SLARecord struct {
	ServiceID string              `json:"serviceId"`
	NestID    string              `json:"nestId"`
	Status    types.ServiceStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Sink batches check results into the storage adapter.
type Sink struct {
	cfg     config.AnalyticsConfig
	adapter *storage.Adapter
	bus     *bus.Bus
	logger  *zap.Logger

	mu    sync.Mutex
	batch []storage.StoreOp

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the sink.
func New(cfg config.AnalyticsConfig, adapter *storage.Adapter, eventBus *bus.Bus, logger *zap.Logger) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		cfg.SamplingRate = 1
	}
	return &Sink{cfg: cfg, adapter: adapter, bus: eventBus, logger: logger}
}

// Start subscribes to check results and launches the flush loop.
func (s *Sink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	sub := s.bus.Subscribe(256, bus.KindCheckResult)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Unsubscribe()
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.flush(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				s.flush(ctx)
			case ev, ok := <-sub.C:
				if !ok {
					s.flush(context.WithoutCancel(ctx))
					return
				}
				if res, ok := ev.Payload.(*types.CheckResult); ok {
					s.ingest(ctx, res)
				}
			}
		}
	}()
	s.logger.Info("analytics sink started",
		zap.Int("batchSize", s.cfg.BatchSize),
		zap.Duration("flushInterval", s.cfg.FlushInterval))
}

// Stop flushes the tail batch and waits for the loop.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// ingest appends one result to the batch: an ANALYTICS sample when the
// sampler selects it, an SLA record always for non-up statuses.
func (s *Sink) ingest(ctx context.Context, res *types.CheckResult) {
	var ops []storage.StoreOp

	if rand.Float64() < s.cfg.SamplingRate { //nolint:gosec // statistical sampling
		if payload, err := json.Marshal(res); err == nil {
			ops = append(ops, storage.StoreOp{
				NestID:   res.NestID,
				DataType: types.DataTypeAnalytics,
				Key:      fmt.Sprintf("%s:%d", res.ServiceID, res.Timestamp.UnixMilli()),
				Payload:  payload,
			})
		}
	}

	if res.Status != types.StatusUp && res.Status != types.StatusUnknown {
		record := SLARecord{
			ServiceID: res.ServiceID,
			NestID:    res.NestID,
			Status:    res.Status,
			Message:   res.Message,
			Timestamp: res.Timestamp,
		}
		if payload, err := json.Marshal(record); err == nil {
			ops = append(ops, storage.StoreOp{
				NestID:   res.NestID,
				DataType: types.DataTypeSLAData,
				Key:      fmt.Sprintf("%s:%d", res.ServiceID, res.Timestamp.UnixMilli()),
				Payload:  payload,
			})
		}
	}
	if len(ops) == 0 {
		return
	}

	s.mu.Lock()
	s.batch = append(s.batch, ops...)
	full := len(s.batch) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.flush(ctx)
	}
}

// flush hands the accumulated batch to the adapter.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	result, err := s.adapter.BatchStore(ctx, batch)
	if err != nil {
		s.logger.Warn("analytics batch store failed",
			zap.Int("ops", len(batch)),
			zap.Error(err))
		return
	}
	if result.Failed > 0 {
		s.logger.Warn("analytics batch partially stored",
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed))
	}
}
