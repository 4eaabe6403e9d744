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

package resilience

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/metrics"
)

// RateLimitAlgorithm selects the counting scheme per endpoint.
type RateLimitAlgorithm string

const (
	TokenBucket   RateLimitAlgorithm = "token_bucket"
	SlidingWindow RateLimitAlgorithm = "sliding_window"
	FixedWindow   RateLimitAlgorithm = "fixed_window"
)

// RateLimitConfig tunes one limiter.
type RateLimitConfig struct {
	Algorithm     RateLimitAlgorithm
	MaxRequests   int
	Window        time.Duration
	BurstSize     int           // token bucket capacity; defaults to MaxRequests
	BlockDuration time.Duration // short-circuit window after a denial
	// FailClosed denies requests when the limiter storage itself
	// fails. Default is fail-open: the limiter must not become the
	// outage.
	FailClosed bool
}

// RateLimitKey identifies a counting bucket.
type RateLimitKey struct {
	Scope    string
	Identity string
	Endpoint string
}

func (k RateLimitKey) String() string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", k.Scope, k.Identity, k.Endpoint)
}

// RateLimitDecision is the outcome of one Allow call.
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// WriteHeaders emits the caller-feedback headers on w.
func (d RateLimitDecision) WriteHeaders(w http.ResponseWriter, cfg RateLimitConfig) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	w.Header().Set("X-RateLimit-Policy", fmt.Sprintf("%d;w=%d", d.Limit, int(cfg.Window.Seconds())))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.999)))
	}
}

// LimiterStore is the pluggable counter storage.
type LimiterStore interface {
	// Incr increments the counter at key, setting expiry on first
	// increment, and returns the new value.
	Incr(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// Get returns the counter value, 0 when absent.
	Get(ctx context.Context, key string) (int64, error)
	// SetBlock marks key blocked for d.
	SetBlock(ctx context.Context, key string, d time.Duration) error
	// Blocked reports whether key is inside a block window and how
	// long remains.
	Blocked(ctx context.Context, key string) (bool, time.Duration, error)
}

// RedisLimiterStore keeps counters in a shared Redis.
type RedisLimiterStore struct {
	client *redis.Client
}

// NewRedisLimiterStore wraps client.
func NewRedisLimiterStore(client *redis.Client) *RedisLimiterStore {
	return &RedisLimiterStore{client: client}
}

func (s *RedisLimiterStore) Incr(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisLimiterStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisLimiterStore) SetBlock(ctx context.Context, key string, d time.Duration) error {
	return s.client.Set(ctx, key+":block", "1", d).Err()
}

func (s *RedisLimiterStore) Blocked(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := s.client.TTL(ctx, key+":block").Result()
	if err != nil {
		return false, 0, err
	}
	if ttl > 0 {
		return true, ttl, nil
	}
	return false, 0, nil
}

// MemoryLimiterStore is the in-process storage used when no shared KV
// is configured.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	counts  map[string]*memoryCounter
	blocks  map[string]time.Time
}

type memoryCounter struct {
	value   int64
	expires time.Time
}

// NewMemoryLimiterStore creates an empty in-memory store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		counts: make(map[string]*memoryCounter),
		blocks: make(map[string]time.Time),
	}
}

func (s *MemoryLimiterStore) Incr(_ context.Context, key string, expiry time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c, ok := s.counts[key]
	if !ok || now.After(c.expires) {
		c = &memoryCounter{expires: now.Add(expiry)}
		s.counts[key] = c
	}
	c.value++
	return c.value, nil
}

func (s *MemoryLimiterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counts[key]
	if !ok || time.Now().After(c.expires) {
		return 0, nil
	}
	return c.value, nil
}

func (s *MemoryLimiterStore) SetBlock(_ context.Context, key string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = time.Now().Add(d)
	return nil
}

func (s *MemoryLimiterStore) Blocked(_ context.Context, key string) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocks[key]
	if !ok {
		return false, 0, nil
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		delete(s.blocks, key)
		return false, 0, nil
	}
	return true, remaining, nil
}

// RateLimiter applies one RateLimitConfig across keys. Algorithms are
// interchangeable; the caller picks per endpoint.
type RateLimiter struct {
	config  RateLimitConfig
	store   LimiterStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	// token-bucket state lives in process; only windowed counters go
	// to the shared store.
	mu      sync.Mutex
	buckets map[string]*tokenBucketState
}

type tokenBucketState struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter over store.
func NewRateLimiter(cfg RateLimitConfig, store LimiterStore, m *metrics.Metrics, logger *zap.Logger) *RateLimiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxRequests
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = SlidingWindow
	}
	return &RateLimiter{
		config:  cfg,
		store:   store,
		logger:  logger,
		metrics: m,
		buckets: make(map[string]*tokenBucketState),
	}
}

// Config returns the limiter's configuration, used when rendering
// rate-limit response headers.
func (l *RateLimiter) Config() RateLimitConfig { return l.config }

// Allow decides one request. Denials return a deterministic
// RetryAfter; storage errors fail open unless FailClosed is set.
func (l *RateLimiter) Allow(ctx context.Context, key RateLimitKey) (RateLimitDecision, error) {
	k := key.String()

	if l.config.BlockDuration > 0 {
		blocked, remaining, err := l.store.Blocked(ctx, k)
		if err != nil {
			return l.failDecision(key, err)
		}
		if blocked {
			l.deny(key)
			return RateLimitDecision{
				Allowed:    false,
				Limit:      l.config.MaxRequests,
				Remaining:  0,
				RetryAfter: remaining,
				ResetAt:    time.Now().Add(remaining),
			}, nil
		}
	}

	var decision RateLimitDecision
	var err error
	switch l.config.Algorithm {
	case TokenBucket:
		decision = l.allowTokenBucket(k)
	case FixedWindow:
		decision, err = l.allowFixedWindow(ctx, k)
	default:
		decision, err = l.allowSlidingWindow(ctx, k)
	}
	if err != nil {
		return l.failDecision(key, err)
	}

	if !decision.Allowed {
		l.deny(key)
		if l.config.BlockDuration > 0 {
			if err := l.store.SetBlock(ctx, k, l.config.BlockDuration); err != nil {
				l.logger.Warn("rate limiter block write failed", zap.Error(err))
			}
		}
	}
	return decision, nil
}

// failDecision applies the configured failure mode on storage errors.
func (l *RateLimiter) failDecision(key RateLimitKey, err error) (RateLimitDecision, error) {
	l.logger.Warn("rate limiter storage failure",
		zap.String("scope", key.Scope),
		zap.Bool("fail_closed", l.config.FailClosed),
		zap.Error(err))
	if l.config.FailClosed {
		return RateLimitDecision{
			Allowed:    false,
			Limit:      l.config.MaxRequests,
			RetryAfter: l.config.Window,
			ResetAt:    time.Now().Add(l.config.Window),
		}, nil
	}
	return RateLimitDecision{
		Allowed:   true,
		Limit:     l.config.MaxRequests,
		Remaining: l.config.MaxRequests,
		ResetAt:   time.Now().Add(l.config.Window),
	}, nil
}

func (l *RateLimiter) deny(key RateLimitKey) {
	if l.metrics != nil {
		l.metrics.RateLimitDenials.WithLabelValues(key.Scope).Inc()
	}
}

func (l *RateLimiter) allowTokenBucket(key string) RateLimitDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucketState{tokens: float64(l.config.BurstSize), lastRefill: now}
		l.buckets[key] = b
	}
	refillRate := float64(l.config.MaxRequests) / l.config.Window.Seconds()
	b.tokens += now.Sub(b.lastRefill).Seconds() * refillRate
	if b.tokens > float64(l.config.BurstSize) {
		b.tokens = float64(l.config.BurstSize)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return RateLimitDecision{
			Allowed:   true,
			Limit:     l.config.MaxRequests,
			Remaining: int(b.tokens),
			ResetAt:   now.Add(l.config.Window),
		}
	}
	wait := time.Duration((1 - b.tokens) / refillRate * float64(time.Second))
	return RateLimitDecision{
		Allowed:    false,
		Limit:      l.config.MaxRequests,
		Remaining:  0,
		RetryAfter: wait,
		ResetAt:    now.Add(wait),
	}
}

func (l *RateLimiter) allowFixedWindow(ctx context.Context, key string) (RateLimitDecision, error) {
	now := time.Now()
	windowStart := now.Truncate(l.config.Window)
	resetAt := windowStart.Add(l.config.Window)
	bucket := fmt.Sprintf("%s:%d", key, windowStart.Unix())

	count, err := l.store.Incr(ctx, bucket, l.config.Window)
	if err != nil {
		return RateLimitDecision{}, err
	}
	if count > int64(l.config.MaxRequests) {
		return RateLimitDecision{
			Allowed:    false,
			Limit:      l.config.MaxRequests,
			Remaining:  0,
			RetryAfter: time.Until(resetAt),
			ResetAt:    resetAt,
		}, nil
	}
	return RateLimitDecision{
		Allowed:   true,
		Limit:     l.config.MaxRequests,
		Remaining: l.config.MaxRequests - int(count),
		ResetAt:   resetAt,
	}, nil
}

// allowSlidingWindow approximates a true sliding window with two
// fixed windows weighted by overlap, which keeps storage O(1) per key.
func (l *RateLimiter) allowSlidingWindow(ctx context.Context, key string) (RateLimitDecision, error) {
	now := time.Now()
	windowStart := now.Truncate(l.config.Window)
	elapsed := now.Sub(windowStart)
	current := fmt.Sprintf("%s:%d", key, windowStart.Unix())
	previous := fmt.Sprintf("%s:%d", key, windowStart.Add(-l.config.Window).Unix())

	prevCount, err := l.store.Get(ctx, previous)
	if err != nil {
		return RateLimitDecision{}, err
	}
	weight := 1 - elapsed.Seconds()/l.config.Window.Seconds()
	weighted := float64(prevCount) * weight

	currCount, err := l.store.Incr(ctx, current, 2*l.config.Window)
	if err != nil {
		return RateLimitDecision{}, err
	}

	total := weighted + float64(currCount)
	resetAt := windowStart.Add(l.config.Window)
	if total > float64(l.config.MaxRequests) {
		return RateLimitDecision{
			Allowed:    false,
			Limit:      l.config.MaxRequests,
			Remaining:  0,
			RetryAfter: time.Until(resetAt),
			ResetAt:    resetAt,
		}, nil
	}
	remaining := l.config.MaxRequests - int(total)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitDecision{
		Allowed:   true,
		Limit:     l.config.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
