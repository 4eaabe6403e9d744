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

	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/metrics"
)

// Pool errors.
var (
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrAcquireTimeout = errors.New("connection acquire timed out")
)

// ConnFactory creates, validates and destroys pooled connections.
type ConnFactory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, conn T) bool
	Destroy(conn T)
}

// PoolConfig tunes one pool.
type PoolConfig struct {
	Name                string
	Min                 int
	Max                 int
	AcquireTimeout      time.Duration
	MaxLifetime         time.Duration
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	ValidateOnAcquire   bool
}

// Conn is a pooled connection handle. Every Acquire is followed by at
// most one Release or Discard on the handle.
type Conn[T any] struct {
	Value     T
	createdAt time.Time
	idleSince time.Time
	released  bool
}

// Age reports how long ago the underlying connection was created.
func (c *Conn[T]) Age() time.Duration { return time.Since(c.createdAt) }

// Pool keeps [min, max] live connections from a factory. Waiters
// queue until AcquireTimeout when the pool is exhausted.
type Pool[T any] struct {
	config  PoolConfig
	factory ConnFactory[T]
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	idle    []*Conn[T]
	active  int
	waiters []chan *Conn[T]
	closed  bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewPool creates the pool and fills it to Min.
func NewPool[T any](ctx context.Context, cfg PoolConfig, factory ConnFactory[T], m *metrics.Metrics, logger *zap.Logger) (*Pool[T], error) {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Min < 0 || cfg.Min > cfg.Max {
		cfg.Min = 0
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	p := &Pool[T]{
		config:    cfg,
		factory:   factory,
		logger:    logger,
		metrics:   m,
		stopSweep: make(chan struct{}),
	}
	for i := 0; i < cfg.Min; i++ {
		conn, err := factory.Create(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		now := time.Now()
		p.idle = append(p.idle, &Conn[T]{Value: conn, createdAt: now, idleSince: now})
	}
	if cfg.HealthCheckInterval > 0 {
		go p.sweep()
	}
	p.report()
	return p, nil
}

// Acquire returns an idle connection, creates one up to Max, or
// queues the caller until AcquireTimeout.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.PoolAcquireWait.WithLabelValues(p.config.Name).Observe(time.Since(start).Seconds())
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Idle connections first, most recently used last.
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.expired(pc) || (p.config.ValidateOnAcquire && !p.factory.Validate(ctx, pc.Value)) {
				p.factory.Destroy(pc.Value)
				continue
			}
			p.active++
			p.mu.Unlock()
			pc.released = false
			p.report()
			return pc, nil
		}

		// Room to grow.
		if p.active < p.config.Max {
			p.active++
			p.mu.Unlock()
			conn, err := p.factory.Create(ctx)
			if err != nil {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
				p.report()
				return nil, err
			}
			p.report()
			return &Conn[T]{Value: conn, createdAt: time.Now()}, nil
		}

		// Queue as waiter.
		waiter := make(chan *Conn[T], 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()
		p.report()

		select {
		case pc, ok := <-waiter:
			if !ok {
				return nil, ErrPoolClosed
			}
			if pc == nil {
				// The releaser discarded its connection; loop and
				// create a fresh one.
				continue
			}
			return pc, nil
		case <-time.After(p.config.AcquireTimeout):
			p.removeWaiter(waiter)
			return nil, ErrAcquireTimeout
		case <-ctx.Done():
			p.removeWaiter(waiter)
			return nil, ctx.Err()
		}
	}
}

// Release returns pc to the pool. Connections past MaxLifetime are
// destroyed instead of reused; the sweep refills to Min.
func (p *Pool[T]) Release(pc *Conn[T]) {
	if pc == nil || pc.released {
		return
	}
	pc.released = true
	pc.idleSince = time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.factory.Destroy(pc.Value)
		return
	}
	p.active--

	if p.config.MaxLifetime > 0 && time.Since(pc.createdAt) > p.config.MaxLifetime {
		var waiter chan *Conn[T]
		if len(p.waiters) > 0 {
			waiter = p.waiters[0]
			p.waiters = p.waiters[1:]
		}
		p.mu.Unlock()
		p.factory.Destroy(pc.Value)
		if waiter != nil {
			waiter <- nil
		}
		p.report()
		return
	}

	// Hand directly to a queued waiter.
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active++
		p.mu.Unlock()
		pc.released = false
		waiter <- pc
		p.report()
		return
	}

	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	p.report()
}

// Discard tells the pool pc is broken; it is destroyed, not reused.
func (p *Pool[T]) Discard(pc *Conn[T]) {
	if pc == nil || pc.released {
		return
	}
	pc.released = true

	p.mu.Lock()
	p.active--
	var waiter chan *Conn[T]
	if len(p.waiters) > 0 {
		waiter = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()
	p.factory.Destroy(pc.Value)
	if waiter != nil {
		waiter <- nil
	}
	p.report()
}

func (p *Pool[T]) expired(pc *Conn[T]) bool {
	if p.config.MaxLifetime > 0 && time.Since(pc.createdAt) > p.config.MaxLifetime {
		return true
	}
	if p.config.IdleTimeout > 0 && time.Since(pc.idleSince) > p.config.IdleTimeout {
		return true
	}
	return false
}

func (p *Pool[T]) removeWaiter(waiter chan *Conn[T]) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// Drain a racing hand-off.
	select {
	case pc := <-waiter:
		if pc != nil {
			pc.released = false
			p.Release(pc)
		}
	default:
	}
	p.report()
}

// sweep re-validates idle connections and refills to Min.
func (p *Pool[T]) sweep() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.config.HealthCheckInterval)

		p.mu.Lock()
		kept := p.idle[:0]
		var destroy []*Conn[T]
		for _, pc := range p.idle {
			if p.expired(pc) || !p.factory.Validate(ctx, pc.Value) {
				destroy = append(destroy, pc)
				continue
			}
			kept = append(kept, pc)
		}
		p.idle = kept
		deficit := p.config.Min - (len(p.idle) + p.active)
		p.mu.Unlock()

		for _, pc := range destroy {
			p.factory.Destroy(pc.Value)
		}
		for i := 0; i < deficit; i++ {
			conn, err := p.factory.Create(ctx)
			if err != nil {
				p.logger.Warn("pool refill failed",
					zap.String("pool", p.config.Name),
					zap.Error(err))
				break
			}
			now := time.Now()
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.factory.Destroy(conn)
				break
			}
			p.idle = append(p.idle, &Conn[T]{Value: conn, createdAt: now, idleSince: now})
			p.mu.Unlock()
		}
		cancel()
		p.report()
	}
}

// PoolStats is a point-in-time snapshot.
type PoolStats struct {
	Active  int
	Idle    int
	Waiting int
}

// Stats returns current pool occupancy.
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Active: p.active, Idle: len(p.idle), Waiting: len(p.waiters)}
}

func (p *Pool[T]) report() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.PoolActive.WithLabelValues(p.config.Name).Set(float64(s.Active))
	p.metrics.PoolIdle.WithLabelValues(p.config.Name).Set(float64(s.Idle))
	p.metrics.PoolWaiting.WithLabelValues(p.config.Name).Set(float64(s.Waiting))
}

// Close destroys idle connections and fails queued waiters. Active
// connections are destroyed on release.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.sweepOnce.Do(func() { close(p.stopSweep) })
	for _, w := range waiters {
		close(w)
	}
	for _, pc := range idle {
		p.factory.Destroy(pc.Value)
	}
}
