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
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig tunes one named breaker.
type BreakerConfig struct {
	// FailureThreshold trips the breaker when consecutive failures
	// reach it within the rolling window.
	FailureThreshold uint32
	// Window is the rolling interval over which counts accumulate.
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// HalfOpenMaxCalls bounds concurrent probes in half-open; the
	// engine relies on this being 1.
	HalfOpenMaxCalls uint32
}

// DefaultBreakerConfig matches the probe call sites.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// BreakerRegistry keeps one circuit breaker per named call site.
// Retry composes around the breaker: the breaker sees each retried
// attempt individually.
type BreakerRegistry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	config  BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry with cfg as the template for
// new breakers.
func NewBreakerRegistry(cfg BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		logger:   logger,
		metrics:  m,
		config:   cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *BreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := r.config.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.config.HalfOpenMaxCalls,
		Interval:    r.config.Window,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if r.metrics != nil {
				r.metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
				if to == gobreaker.StateOpen {
					r.metrics.BreakerTrips.WithLabelValues(name).Inc()
				}
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Execute runs op through the named breaker. While the breaker is
// open the call is rejected immediately with ErrCircuitOpen, which
// classifies as an upstream failure for the retry predicate.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	cb := r.get(name)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewError(types.KindUpstream, "call site "+name, ErrCircuitOpen)
	}
	return err
}

// State reports the current state of a named breaker; breakers are
// created on first use, so unknown names report closed.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
