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

package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/m00npl/guardant-sub002/pkg/bus"
)

// defaultReferenceURLs back the connectivity guard when none are
// configured.
var defaultReferenceURLs = []string{
	"https://www.google.com/generate_204",
	"https://one.one.one.one",
	"https://www.cloudflare.com/cdn-cgi/trace",
}

const (
	guardProbeTimeout  = 3 * time.Second
	guardCheckCooldown = 15 * time.Second
	maxSuppression     = 5 * time.Minute
)

// Guard distinguishes "everything is down" from "we are offline": when
// every reference URL fails, status-change alerts are suppressed for a
// bounded window while results keep flowing.
type Guard struct {
	urls        []string
	suppression time.Duration
	bus         *bus.Bus
	logger      *zap.Logger

	group singleflight.Group

	mu            sync.Mutex
	lastCheck     time.Time
	lastVerdict   bool
	suppressUntil time.Time
}

// NewGuard builds the connectivity guard. suppression is capped at
// five minutes regardless of configuration.
func NewGuard(urls []string, suppression time.Duration, eventBus *bus.Bus, logger *zap.Logger) *Guard {
	if len(urls) == 0 {
		urls = defaultReferenceURLs
	}
	if suppression <= 0 || suppression > maxSuppression {
		suppression = maxSuppression
	}
	return &Guard{urls: urls, suppression: suppression, bus: eventBus, logger: logger}
}

// EnvironmentUnreachable reports whether all reference URLs currently
// fail. Concurrent callers share one probe round; verdicts are cached
// briefly so a wave of failures triggers a single round.
func (g *Guard) EnvironmentUnreachable(ctx context.Context) bool {
	g.mu.Lock()
	if time.Now().Before(g.suppressUntil) {
		g.mu.Unlock()
		return true
	}
	if time.Since(g.lastCheck) < guardCheckCooldown {
		verdict := g.lastVerdict
		g.mu.Unlock()
		return verdict
	}
	g.mu.Unlock()

	v, _, _ := g.group.Do("reference-probe", func() (interface{}, error) {
		unreachable := g.probeReferences(ctx)
		g.mu.Lock()
		g.lastCheck = time.Now()
		g.lastVerdict = unreachable
		if unreachable {
			g.suppressUntil = time.Now().Add(g.suppression)
		}
		g.mu.Unlock()
		if unreachable {
			g.logger.Warn("all reference probes failed, suppressing status-change alerts",
				zap.Duration("window", g.suppression))
			if g.bus != nil {
				g.bus.Publish(bus.KindEnvironmentUnreachable, g.suppression)
			}
		}
		return unreachable, nil
	})
	return v.(bool)
}

// probeReferences returns true only when every reference URL fails.
func (g *Guard) probeReferences(ctx context.Context) bool {
	type outcome struct{ ok bool }
	results := make(chan outcome, len(g.urls))
	client := &http.Client{Timeout: guardProbeTimeout}
	for _, url := range g.urls {
		go func(url string) {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
			if err != nil {
				results <- outcome{false}
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				results <- outcome{false}
				return
			}
			resp.Body.Close()
			results <- outcome{true}
		}(url)
	}
	for range g.urls {
		if r := <-results; r.ok {
			return false
		}
	}
	return true
}
