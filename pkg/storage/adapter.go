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

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/resilience"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// AdapterConfig tunes the tenant storage adapter.
type AdapterConfig struct {
	BatchSize         int
	BatchThrottle     time.Duration
	SyncInterval      time.Duration
	CompressThreshold int
	TTLs              map[string]time.Duration
	// Encrypt enables the tenant-bound envelope cipher.
	Encrypt bool
}

// StoreOp is one element of a batch write.
type StoreOp struct {
	NestID   string
	DataType types.DataType
	Key      string
	Payload  []byte
}

// BatchResult reports settle semantics for one batch store.
type BatchResult struct {
	Succeeded int
	Failed    int
	Errors    []error
}

// SyncReport summarizes one background sync pass.
type SyncReport struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Adapter is the typed façade over the content-addressed backend.
// Writes are serialized per isolation key so the backend id and cache
// entry always agree; reads proceed concurrently. An offline backend
// degrades the adapter to cache-only operation.
type Adapter struct {
	config  AdapterConfig
	backend Backend // nil means cache-only
	cache   Cache
	keys    KeyProvider
	retrier *resilience.Retrier
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	// Per-key write serialization.
	locks sync.Map // isolationKey -> *sync.Mutex

	stopSync chan struct{}
	syncOnce sync.Once
	syncWG   sync.WaitGroup
}

// NewAdapter wires the adapter and publishes the initialized event.
// backend may be nil for cache-only operation; keys may be nil to
// disable the envelope cipher.
func NewAdapter(cfg AdapterConfig, backend Backend, cache Cache, keys KeyProvider, eventBus *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*Adapter, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if !cfg.Encrypt {
		keys = nil
	}
	a := &Adapter{
		config:   cfg,
		backend:  backend,
		cache:    cache,
		keys:     keys,
		retrier:  resilience.NewRetrier(logger),
		bus:      eventBus,
		metrics:  m,
		logger:   logger,
		stopSync: make(chan struct{}),
	}
	if cfg.SyncInterval > 0 && backend != nil {
		a.syncWG.Add(1)
		go a.syncLoop()
	}
	if eventBus != nil {
		eventBus.Publish(bus.KindStorageInitialized, nil)
	}
	return a, nil
}

func (a *Adapter) lock(isolationKey string) *sync.Mutex {
	mu, _ := a.locks.LoadOrStore(isolationKey, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Store writes payload for the tenant. It returns the backend entity
// id, or empty string when the write is cached only (offline backend
// or deferred sync).
func (a *Adapter) Store(ctx context.Context, nestID string, dataType types.DataType, key string, payload []byte) (string, error) {
	if !types.ValidNestID(nestID) {
		return "", types.NewError(types.KindValidation, "invalid nest id: "+nestID, nil)
	}
	isolationKey := types.IsolationKey(nestID, dataType, key)

	sealed, compressed, encrypted, err := sealEnvelope(nestID, payload, a.config.CompressThreshold, a.keys)
	if err != nil {
		a.count("store", "error")
		return "", err
	}

	mu := a.lock(isolationKey)
	mu.Lock()
	defer mu.Unlock()

	entry := &types.StoredEntry{
		IsolationKey: isolationKey,
		Payload:      sealed,
		Timestamp:    time.Now(),
		TTL:          entryTTL(a.config.TTLs, dataType),
		Compressed:   compressed,
		Encrypted:    encrypted,
	}

	// Backend write first; cache reflects the outcome either way.
	if a.backend != nil {
		err := a.retrier.Do(ctx, "backend put", resilience.BackendPolicy, func(ctx context.Context) error {
			entityKey, putErr := a.backend.Put(ctx, isolationKey, sealed)
			if putErr != nil {
				return putErr
			}
			entry.EntityKey = entityKey
			return nil
		})
		if err != nil {
			a.logger.Warn("backend write failed, operating cache-only",
				zap.String("key", isolationKey),
				zap.Error(err))
		} else {
			entry.Synced = true
		}
	}

	if err := a.cache.Set(ctx, entry); err != nil {
		a.count("store", "error")
		return "", err
	}
	a.count("store", "ok")
	a.reportUnsynced(ctx)
	if a.bus != nil {
		a.bus.Publish(bus.KindDataStored, isolationKey)
	}
	return entry.EntityKey, nil
}

// Retrieve reads the payload for the tenant. The embedded nest id is
// checked against the caller's: a mismatch is rejected, never
// returned.
func (a *Adapter) Retrieve(ctx context.Context, nestID string, dataType types.DataType, key string) ([]byte, error) {
	if !types.ValidNestID(nestID) {
		return nil, types.NewError(types.KindValidation, "invalid nest id: "+nestID, nil)
	}
	isolationKey := types.IsolationKey(nestID, dataType, key)

	entry, err := a.cache.Get(ctx, isolationKey)
	if err != nil {
		if types.Kind(err) != types.KindNotFound {
			a.count("retrieve", "error")
			return nil, err
		}
		if a.metrics != nil {
			a.metrics.CacheMisses.WithLabelValues("redis").Inc()
		}
		// Read-through from the backend.
		if a.backend == nil {
			return nil, err
		}
		var raw []byte
		getErr := a.retrier.Do(ctx, "backend get", resilience.BackendPolicy, func(ctx context.Context) error {
			var e error
			raw, e = a.backend.Get(ctx, isolationKey)
			return e
		})
		if getErr != nil {
			a.count("retrieve", "error")
			return nil, getErr
		}
		entry = &types.StoredEntry{
			IsolationKey: isolationKey,
			Payload:      raw,
			Timestamp:    time.Now(),
			TTL:          entryTTL(a.config.TTLs, dataType),
			Synced:       true,
		}
		if cacheErr := a.cache.Set(ctx, entry); cacheErr != nil {
			a.logger.Warn("read-through cache repopulation failed",
				zap.String("key", isolationKey),
				zap.Error(cacheErr))
		}
	} else if a.metrics != nil {
		a.metrics.CacheHits.WithLabelValues("redis").Inc()
	}

	payload, err := openEnvelope(nestID, entry.Payload, a.keys)
	if err != nil {
		a.count("retrieve", "error")
		return nil, err
	}
	a.count("retrieve", "ok")
	return payload, nil
}

// BatchStore chunks ops into batches, running each batch concurrently
// with settle semantics and throttling between batches.
func (a *Adapter) BatchStore(ctx context.Context, ops []StoreOp) (*BatchResult, error) {
	result := &BatchResult{}
	var mu sync.Mutex

	for start := 0; start < len(ops); start += a.config.BatchSize {
		end := start + a.config.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, op := range ops[start:end] {
			op := op
			g.Go(func() error {
				_, err := a.Store(gctx, op.NestID, op.DataType, op.Key, op.Payload)
				mu.Lock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, fmt.Errorf("%s/%s/%s: %w", op.NestID, op.DataType, op.Key, err))
				} else {
					result.Succeeded++
				}
				mu.Unlock()
				return nil // settle semantics: batch members fail independently
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if end < len(ops) && a.config.BatchThrottle > 0 {
			select {
			case <-time.After(a.config.BatchThrottle):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, nil
}

// GetByType returns all payloads of a data type for the tenant,
// keyed by the final key segment.
func (a *Adapter) GetByType(ctx context.Context, nestID string, dataType types.DataType) (map[string][]byte, error) {
	if !types.ValidNestID(nestID) {
		return nil, types.NewError(types.KindValidation, "invalid nest id: "+nestID, nil)
	}
	pattern := fmt.Sprintf("nest:%s:%s:*", nestID, dataType)
	keys, err := a.cache.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	prefix := fmt.Sprintf("nest:%s:%s:", nestID, dataType)
	for _, isolationKey := range keys {
		entry, err := a.cache.Get(ctx, isolationKey)
		if err != nil {
			if types.Kind(err) == types.KindNotFound {
				continue // expired between scan and read
			}
			return nil, err
		}
		payload, err := openEnvelope(nestID, entry.Payload, a.keys)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(isolationKey, prefix)] = payload
	}
	return out, nil
}

// Delete removes the entry from both layers. The backend side is
// resolve-then-delete: a key the backend never accepted needs no
// delete, and the resolved entity id confirms which entity goes.
func (a *Adapter) Delete(ctx context.Context, nestID string, dataType types.DataType, key string) error {
	if !types.ValidNestID(nestID) {
		return types.NewError(types.KindValidation, "invalid nest id: "+nestID, nil)
	}
	isolationKey := types.IsolationKey(nestID, dataType, key)

	mu := a.lock(isolationKey)
	mu.Lock()
	defer mu.Unlock()

	if a.backend != nil {
		err := a.retrier.Do(ctx, "backend delete", resilience.BackendPolicy, func(ctx context.Context) error {
			entityKey, resolveErr := a.backend.Resolve(ctx, isolationKey)
			if resolveErr != nil {
				return resolveErr
			}
			if delErr := a.backend.Delete(ctx, isolationKey); delErr != nil {
				return delErr
			}
			a.logger.Debug("backend entity deleted",
				zap.String("key", isolationKey),
				zap.String("entity", entityKey))
			return nil
		})
		if err != nil && types.Kind(err) != types.KindNotFound {
			a.logger.Warn("backend delete failed",
				zap.String("key", isolationKey),
				zap.Error(err))
		}
	}
	if err := a.cache.Delete(ctx, isolationKey); err != nil {
		a.count("delete", "error")
		return err
	}
	a.count("delete", "ok")
	if a.bus != nil {
		a.bus.Publish(bus.KindDataDeleted, isolationKey)
	}
	return nil
}

// Sync flushes unsynced cache entries to the backend.
func (a *Adapter) Sync(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}
	if a.backend == nil {
		return report, nil
	}
	entries, err := a.cache.Unsynced(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		mu := a.lock(entry.IsolationKey)
		mu.Lock()
		entityKey, putErr := a.backend.Put(ctx, entry.IsolationKey, entry.Payload)
		if putErr != nil {
			mu.Unlock()
			report.Failed++
			continue
		}
		entry.EntityKey = entityKey
		entry.Synced = true
		if cacheErr := a.cache.Set(ctx, entry); cacheErr != nil {
			a.logger.Warn("sync cache update failed",
				zap.String("key", entry.IsolationKey),
				zap.Error(cacheErr))
		}
		mu.Unlock()
		report.Synced++
	}
	a.reportUnsynced(ctx)
	if a.bus != nil {
		a.bus.Publish(bus.KindSyncCompleted, report)
	}
	if report.Synced > 0 || report.Failed > 0 {
		a.logger.Info("storage sync pass complete",
			zap.Int("synced", report.Synced),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

func (a *Adapter) syncLoop() {
	defer a.syncWG.Done()
	ticker := time.NewTicker(a.config.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopSync:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.config.SyncInterval)
			if _, err := a.Sync(ctx); err != nil {
				a.logger.Warn("background sync failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Health reports layer reachability. A down backend is healthy-but-
// degraded: the adapter keeps serving from cache.
func (a *Adapter) Health(ctx context.Context) (bool, map[string]string) {
	details := map[string]string{}
	healthy := true
	if err := a.cache.Ping(ctx); err != nil {
		details["cache"] = err.Error()
		healthy = false
	} else {
		details["cache"] = "ok"
	}
	if a.backend != nil {
		if err := a.backend.Ping(ctx); err != nil {
			details["backend"] = "unreachable (cache-only): " + err.Error()
		} else {
			details["backend"] = "ok"
		}
	} else {
		details["backend"] = "disabled"
	}
	return healthy, details
}

// Close stops the background sync and runs one final flush.
func (a *Adapter) Close(ctx context.Context) error {
	a.syncOnce.Do(func() { close(a.stopSync) })
	a.syncWG.Wait()
	if a.backend != nil {
		if _, err := a.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) count(op, outcome string) {
	if a.metrics != nil {
		a.metrics.StorageOps.WithLabelValues(op, outcome).Inc()
	}
}

func (a *Adapter) reportUnsynced(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	entries, err := a.cache.Unsynced(ctx)
	if err != nil {
		return
	}
	a.metrics.StorageUnsynced.Set(float64(len(entries)))
}
