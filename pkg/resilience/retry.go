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

// Package resilience bounds the failure blast radius for all outbound
// I/O: retry policies, circuit breakers, rate limiting and connection
// pooling. Every probe and every side-effecting write flows through
// this package.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// RetryStrategy selects how the inter-attempt delay grows.
type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyFixed       RetryStrategy = "fixed"
	StrategyImmediate   RetryStrategy = "immediate"
)

// RetryPolicy is data, not control flow: the runner applies it.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Factor         float64
	Strategy       RetryStrategy
	Jitter         bool
	AttemptTimeout time.Duration // wraps each attempt; zero disables
	// Retryable classifies errors; nil uses types.Retryable.
	Retryable func(error) bool
}

// Delay computes the sleep before attempt n (1-based; no sleep before
// the first attempt). Jitter draws uniformly from [0.5*d, d].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Strategy == StrategyImmediate {
		return 0
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = time.Duration(attempt-1) * p.BaseDelay
	case StrategyFixed:
		d = p.BaseDelay
	default: // exponential
		factor := p.Factor
		if factor <= 1 {
			factor = 2
		}
		d = time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt-2)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return d
}

// retryable applies the policy's predicate with the package default.
func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return types.Retryable(err)
}

// Presets for the canonical call sites.
var (
	// DatabasePolicy covers archive writes.
	DatabasePolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: 2, Strategy: StrategyExponential, Jitter: true, AttemptTimeout: 5 * time.Second}
	// HTTPPolicy covers outbound HTTP calls other than probes.
	HTTPPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2, Strategy: StrategyExponential, Jitter: true, AttemptTimeout: 10 * time.Second}
	// QueuePolicy covers publishes to Redis streams.
	QueuePolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 3 * time.Second, Factor: 2, Strategy: StrategyExponential, Jitter: true, AttemptTimeout: 2 * time.Second}
	// CachePolicy covers cache reads/writes; cheap and quick.
	CachePolicy = RetryPolicy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond, Strategy: StrategyFixed, AttemptTimeout: time.Second}
	// BackendPolicy covers content-addressed backend calls, which can
	// be slow the way long blockchain-style calls are.
	BackendPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Factor: 2, Strategy: StrategyExponential, Jitter: true, AttemptTimeout: 60 * time.Second}
	// FastPolicy is for callers that cannot afford to wait.
	FastPolicy = RetryPolicy{MaxAttempts: 2, Strategy: StrategyImmediate, AttemptTimeout: 500 * time.Millisecond}
)

// Retrier applies RetryPolicy values to operations.
type Retrier struct {
	logger *zap.Logger
}

// NewRetrier creates a retry runner.
func NewRetrier(logger *zap.Logger) *Retrier {
	return &Retrier{logger: logger}
}

// Do executes op up to policy.MaxAttempts times. Each attempt runs
// under its own timeout when AttemptTimeout is set; the parent ctx
// cancels the whole loop. The last error is returned after
// exhaustion, wrapped with the attempt count.
func (r *Retrier) Do(ctx context.Context, name string, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}
		lastErr = op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return nil
		}
		if !policy.retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Debug("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
