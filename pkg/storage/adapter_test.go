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

package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/storage"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// memBackend is an in-memory content-addressed store. Failures are
// switched on to exercise cache-only degradation.
type memBackend struct {
	mu       sync.Mutex
	data     map[string][]byte
	puts     atomic.Int64
	resolves atomic.Int64
	deletes  atomic.Int64
	failing  atomic.Bool
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (b *memBackend) Put(_ context.Context, key string, payload []byte) (string, error) {
	if b.failing.Load() {
		return "", errors.New("gateway unreachable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte(nil), payload...)
	return fmt.Sprintf("entity-%d", b.puts.Add(1)), nil
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	if b.failing.Load() {
		return nil, errors.New("gateway unreachable")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.data[key]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "entity not found: "+key, nil)
	}
	return payload, nil
}

func (b *memBackend) Resolve(_ context.Context, key string) (string, error) {
	b.resolves.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return "", types.NewError(types.KindNotFound, "key not resolvable: "+key, nil)
	}
	return "entity-" + key, nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	b.deletes.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBackend) Ping(context.Context) error {
	if b.failing.Load() {
		return errors.New("gateway unreachable")
	}
	return nil
}

var _ = Describe("Storage adapter", func() {
	var (
		mr      *miniredis.Miniredis
		rdb     *redis.Client
		cache   *storage.RedisCache
		backend *memBackend
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache = storage.NewRedisCache(rdb, zap.NewNop())
		backend = newMemBackend()
	})

	AfterEach(func() {
		rdb.Close()
		mr.Close()
	})

	newAdapter := func(cfg storage.AdapterConfig) *storage.Adapter {
		adapter, err := storage.NewAdapter(cfg, backend, cache, storage.StaticKey("test-passphrase"), nil, metrics.NewWithRegistry("test", nil), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		return adapter
	}

	It("round-trips an encrypted payload for its own tenant", func() {
		adapter := newAdapter(storage.AdapterConfig{Encrypt: true})
		payload := []byte(`{"status":"up"}`)

		entityKey, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1", payload)
		Expect(err).NotTo(HaveOccurred())
		Expect(entityKey).NotTo(BeEmpty())

		got, err := adapter.Retrieve(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))

		// The backend never sees plaintext.
		raw := backend.data["nest:acme:SERVICE_STATUS:svc-1"]
		Expect(raw).NotTo(BeEmpty())
		Expect(bytes.Contains(raw, []byte(`"status":"up"`))).To(BeFalse())
	})

	It("refuses to open a payload relocated under another tenant's key", func() {
		adapter := newAdapter(storage.AdapterConfig{Encrypt: true})
		_, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1", []byte("secret"))
		Expect(err).NotTo(HaveOccurred())

		// Simulate a mis-keyed entry: acme's sealed payload filed under
		// globex's isolation key.
		stolen, err := cache.Get(context.Background(), types.IsolationKey("acme", types.DataTypeServiceStatus, "svc-1"))
		Expect(err).NotTo(HaveOccurred())
		stolen.IsolationKey = types.IsolationKey("globex", types.DataTypeServiceStatus, "svc-1")
		Expect(cache.Set(context.Background(), stolen)).To(Succeed())

		_, err = adapter.Retrieve(context.Background(), "globex", types.DataTypeServiceStatus, "svc-1")
		Expect(err).To(HaveOccurred())
		Expect(types.Kind(err)).To(Equal(types.KindAuth))
	})

	It("keeps tenants invisible to each other", func() {
		adapter := newAdapter(storage.AdapterConfig{Encrypt: true})
		_, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1", []byte("acme data"))
		Expect(err).NotTo(HaveOccurred())

		_, err = adapter.Retrieve(context.Background(), "globex", types.DataTypeServiceStatus, "svc-1")
		Expect(err).To(HaveOccurred())
		Expect(types.Kind(err)).To(Equal(types.KindNotFound))
	})

	It("rejects malformed nest ids", func() {
		adapter := newAdapter(storage.AdapterConfig{})
		_, err := adapter.Store(context.Background(), "bad nest!", types.DataTypeServiceStatus, "svc-1", []byte("x"))
		Expect(types.Kind(err)).To(Equal(types.KindValidation))

		_, err = adapter.Retrieve(context.Background(), "", types.DataTypeServiceStatus, "svc-1")
		Expect(types.Kind(err)).To(Equal(types.KindValidation))
	})

	It("round-trips payloads above the compression threshold", func() {
		adapter := newAdapter(storage.AdapterConfig{CompressThreshold: 64})
		payload := bytes.Repeat([]byte("monitoring-data "), 100)

		_, err := adapter.Store(context.Background(), "acme", types.DataTypeMonitoringData, "svc-1:123", payload)
		Expect(err).NotTo(HaveOccurred())
		got, err := adapter.Retrieve(context.Background(), "acme", types.DataTypeMonitoringData, "svc-1:123")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))
	})

	It("lists a tenant's entries by data type", func() {
		adapter := newAdapter(storage.AdapterConfig{})
		for i := 0; i < 3; i++ {
			key := fmt.Sprintf("svc-%d", i)
			_, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, key, []byte(key))
			Expect(err).NotTo(HaveOccurred())
		}
		_, err := adapter.Store(context.Background(), "acme", types.DataTypeSLAData, "other", []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		_, err = adapter.Store(context.Background(), "globex", types.DataTypeServiceStatus, "svc-0", []byte("x"))
		Expect(err).NotTo(HaveOccurred())

		all, err := adapter.GetByType(context.Background(), "acme", types.DataTypeServiceStatus)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(3))
		Expect(all).To(HaveKeyWithValue("svc-1", []byte("svc-1")))
	})

	It("falls back to the backend on a cache miss", func() {
		adapter := newAdapter(storage.AdapterConfig{})
		_, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1", []byte("persisted"))
		Expect(err).NotTo(HaveOccurred())

		mr.FlushAll() // cache wiped, backend intact

		got, err := adapter.Retrieve(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("persisted")))
	})

	It("degrades to cache-only when the backend is down and catches up on sync", func() {
		adapter := newAdapter(storage.AdapterConfig{})
		backend.failing.Store(true)

		entityKey, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1", []byte("offline write"))
		Expect(err).NotTo(HaveOccurred(), "an offline backend must not fail the write")
		Expect(entityKey).To(BeEmpty())

		got, err := adapter.Retrieve(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("offline write")))

		backend.failing.Store(false)
		report, err := adapter.Sync(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Synced).To(Equal(1))
		Expect(report.Failed).To(BeZero())
		Expect(backend.data).To(HaveKey("nest:acme:SERVICE_STATUS:svc-1"))

		// A second pass has nothing left to do.
		report, err = adapter.Sync(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Synced).To(BeZero())
	})

	It("deletes from both layers, resolving the entity first", func() {
		adapter := newAdapter(storage.AdapterConfig{})
		_, err := adapter.Store(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1", []byte("x"))
		Expect(err).NotTo(HaveOccurred())

		Expect(adapter.Delete(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1")).To(Succeed())
		_, err = adapter.Retrieve(context.Background(), "acme", types.DataTypeServiceStatus, "svc-1")
		Expect(types.Kind(err)).To(Equal(types.KindNotFound))
		Expect(backend.data).NotTo(HaveKey("nest:acme:SERVICE_STATUS:svc-1"))
		Expect(backend.resolves.Load()).To(BeNumerically(">=", 1))
		Expect(backend.deletes.Load()).To(Equal(int64(1)))
	})

	It("skips the backend delete for a key it never accepted", func() {
		adapter := newAdapter(storage.AdapterConfig{})

		Expect(adapter.Delete(context.Background(), "acme", types.DataTypeServiceStatus, "ghost")).To(Succeed())
		Expect(backend.resolves.Load()).To(BeNumerically(">=", 1))
		Expect(backend.deletes.Load()).To(BeZero())
	})

	It("applies settle semantics to batch stores", func() {
		adapter := newAdapter(storage.AdapterConfig{BatchSize: 2})
		ops := []storage.StoreOp{
			{NestID: "acme", DataType: types.DataTypeAnalytics, Key: "a", Payload: []byte("1")},
			{NestID: "bad nest!", DataType: types.DataTypeAnalytics, Key: "b", Payload: []byte("2")},
			{NestID: "acme", DataType: types.DataTypeAnalytics, Key: "c", Payload: []byte("3")},
		}
		result, err := adapter.BatchStore(context.Background(), ops)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Succeeded).To(Equal(2))
		Expect(result.Failed).To(Equal(1))
		Expect(result.Errors).To(HaveLen(1))
	})

	It("reports a down backend as degraded, not unhealthy", func() {
		adapter := newAdapter(storage.AdapterConfig{})
		backend.failing.Store(true)
		healthy, details := adapter.Health(context.Background())
		Expect(healthy).To(BeTrue())
		Expect(details["cache"]).To(Equal("ok"))
		Expect(details["backend"]).To(ContainSubstring("cache-only"))
	})
})
