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

package probes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m00npl/guardant-sub002/pkg/types"
)

// MemoryHeartbeats is the in-process HeartbeatStore fed by the HTTP
// registration endpoint.
type MemoryHeartbeats struct {
	mu    sync.RWMutex
	beats map[string]time.Time
}

// NewMemoryHeartbeats builds an empty store.
func NewMemoryHeartbeats() *MemoryHeartbeats {
	return &MemoryHeartbeats{beats: make(map[string]time.Time)}
}

func heartbeatKey(nestID, serviceID string) string { return nestID + "/" + serviceID }

// Beat records a heartbeat arrival.
func (m *MemoryHeartbeats) Beat(nestID, serviceID string, at time.Time) {
	m.mu.Lock()
	m.beats[heartbeatKey(nestID, serviceID)] = at
	m.mu.Unlock()
}

// Last returns the most recent arrival, if any.
func (m *MemoryHeartbeats) Last(nestID, serviceID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.beats[heartbeatKey(nestID, serviceID)]
	return at, ok
}

// HeartbeatProbe verifies the deadline `now − last ≤ expected +
// tolerance`. A beat arriving exactly at the deadline still counts.
type HeartbeatProbe struct {
	store HeartbeatStore
	now   func() time.Time
}

// NewHeartbeatProbe builds a heartbeat probe over the given store.
func NewHeartbeatProbe(store HeartbeatStore) *HeartbeatProbe {
	return &HeartbeatProbe{store: store, now: time.Now}
}

// Probe checks the last recorded heartbeat against the deadline. A
// service that never beat is unknown, not down.
func (p *HeartbeatProbe) Probe(_ context.Context, desc *types.ServiceDescriptor) (*types.CheckResult, error) {
	cfg := desc.Heartbeat
	if cfg == nil || cfg.ExpectedInterval <= 0 {
		return nil, types.NewError(types.KindValidation, "heartbeat probe without heartbeat config", nil)
	}
	last, ok := p.store.Last(desc.NestID, desc.ServiceID)
	if !ok {
		return result(desc, types.StatusUnknown, "no heartbeat received yet", 0), nil
	}

	now := p.now()
	deadline := cfg.ExpectedInterval + cfg.Tolerance
	elapsed := now.Sub(last)
	if elapsed <= deadline {
		return result(desc, types.StatusUp,
			fmt.Sprintf("last heartbeat %s ago", elapsed.Round(time.Second)), 0), nil
	}
	missedBy := (elapsed - deadline).Round(time.Second)
	return result(desc, types.StatusDown,
		fmt.Sprintf("deadline missed by %s", missedBy), 0), nil
}
