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

// Package bus is the typed in-process event bus connecting the core
// components. One producer per event kind, many consumers; fan-out is
// the bus's job, publishers never block on slow consumers.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind names an event stream.
type Kind string

const (
	KindCheckResult            Kind = "check-result"
	KindStatusChange           Kind = "status-change"
	KindAlertEligible          Kind = "alert-eligible"
	KindEnvironmentUnreachable Kind = "environment-unreachable"
	KindFailoverTriggered      Kind = "failover-triggered"
	KindFailoverCompleted      Kind = "failover-completed"
	KindFailoverFailed         Kind = "failover-failed"
	KindFailoverRecovered      Kind = "failover-recovered"
	KindStorageInitialized     Kind = "initialized"
	KindDataStored             Kind = "data-stored"
	KindDataDeleted            Kind = "data-deleted"
	KindSyncCompleted          Kind = "sync-completed"
	KindDLQPermanentFailure    Kind = "dlq-permanent-failure"
	KindDLQSaturation          Kind = "dlq-saturation"
	KindServiceAdded           Kind = "service-added"
	KindServiceUpdated         Kind = "service-updated"
	KindServiceRemoved         Kind = "service-removed"
)

// Event is one message on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   interface{}
}

// Subscription receives events for the kinds it was created with.
// Events are dropped, not queued unboundedly, when the subscriber
// falls behind; C has the buffer the subscriber asked for.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	kinds  map[Kind]struct{}
	cancel func()
}

// Unsubscribe detaches the subscription. C is closed afterwards.
func (s *Subscription) Unsubscribe() { s.cancel() }

// Bus fans events out to subscribers.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

// Dropped reports how many events were discarded because a subscriber
// queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in the given kinds. An empty kinds list
// subscribes to everything. buffer bounds the per-subscriber queue.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		sub.cancel = func() {}
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(ch)
		})
	}
	return sub
}

// Publish delivers an event to every matching subscriber. Delivery is
// non-blocking; a full subscriber queue drops the event for that
// subscriber only.
func (b *Bus) Publish(kind Kind, payload interface{}) {
	ev := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.kinds != nil {
			if _, ok := sub.kinds[kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				zap.String("kind", string(kind)))
		}
	}
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
