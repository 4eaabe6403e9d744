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
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Cache is the adapter's write-through layer. Entries carry sync
// state so the background sync can find what the backend has not
// seen yet.
type Cache interface {
	Set(ctx context.Context, entry *types.StoredEntry) error
	Get(ctx context.Context, isolationKey string) (*types.StoredEntry, error)
	Delete(ctx context.Context, isolationKey string) error
	// Keys lists isolation keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Unsynced lists entries whose backend write is still pending.
	Unsynced(ctx context.Context) ([]*types.StoredEntry, error)
	Ping(ctx context.Context) error
}

const unsyncedSet = "storage:unsynced"

// RedisCache keeps stored entries in Redis with per-entry TTL and an
// index set of unsynced keys.
type RedisCache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisCache wraps rdb.
func NewRedisCache(rdb *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, logger: logger}
}

func cacheKey(isolationKey string) string { return "storage:entry:" + isolationKey }

// Set stores the entry and maintains the unsynced index.
func (c *RedisCache) Set(ctx context.Context, entry *types.StoredEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, cacheKey(entry.IsolationKey), data, entry.TTL)
	if entry.Synced {
		pipe.SRem(ctx, unsyncedSet, entry.IsolationKey)
	} else {
		pipe.SAdd(ctx, unsyncedSet, entry.IsolationKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.KindStorage, "cache write", err)
	}
	return nil
}

// Get returns the entry or a not-found error.
func (c *RedisCache) Get(ctx context.Context, isolationKey string) (*types.StoredEntry, error) {
	data, err := c.rdb.Get(ctx, cacheKey(isolationKey)).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.KindNotFound, "cache entry not found: "+isolationKey, nil)
	}
	if err != nil {
		return nil, types.NewError(types.KindStorage, "cache read", err)
	}
	var entry types.StoredEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, types.NewError(types.KindInternal, "unmarshal cache entry", err)
	}
	return &entry, nil
}

// Delete removes the entry and its unsynced marker.
func (c *RedisCache) Delete(ctx context.Context, isolationKey string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, cacheKey(isolationKey))
	pipe.SRem(ctx, unsyncedSet, isolationKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.KindStorage, "cache delete", err)
	}
	return nil
}

// Keys scans for isolation keys matching pattern.
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, cacheKey(pattern), 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len("storage:entry:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, types.NewError(types.KindStorage, "cache scan", err)
	}
	return keys, nil
}

// Unsynced returns all entries pending a backend write. Entries whose
// cache record expired before syncing are dropped from the index.
func (c *RedisCache) Unsynced(ctx context.Context) ([]*types.StoredEntry, error) {
	keys, err := c.rdb.SMembers(ctx, unsyncedSet).Result()
	if err != nil {
		return nil, types.NewError(types.KindStorage, "read unsynced index", err)
	}
	entries := make([]*types.StoredEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := c.Get(ctx, key)
		if err != nil {
			if types.Kind(err) == types.KindNotFound {
				_ = c.rdb.SRem(ctx, unsyncedSet, key).Err()
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Ping reports cache reachability.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return types.NewError(types.KindStorage, "cache ping", err)
	}
	return nil
}

// entryTTL picks the TTL for a data type from configuration with a
// conservative default.
func entryTTL(ttls map[string]time.Duration, dataType types.DataType) time.Duration {
	if ttl, ok := ttls[string(dataType)]; ok {
		return ttl
	}
	return 24 * time.Hour
}
