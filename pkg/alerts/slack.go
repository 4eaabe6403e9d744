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

// Package alerts forwards alert-eligible status changes and DLQ
// saturation warnings to Slack. Alert-policy refinements (delay, quiet
// hours, escalation) live with the alert subsystem upstream; this
// forwarder only carries the events out.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/config"
	"github.com/m00npl/guardant-sub002/pkg/monitoring"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// SlackAPI is the slice of the Slack client the forwarder uses.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Forwarder consumes bus events and posts formatted messages.
type Forwarder struct {
	channel string
	api     SlackAPI
	bus     *bus.Bus
	logger  *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a forwarder; returns nil when no token is configured so
// callers can skip wiring entirely.
func New(cfg config.AlertsConfig, eventBus *bus.Bus, logger *zap.Logger) *Forwarder {
	if cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	return &Forwarder{
		channel: cfg.SlackChannel,
		api:     slack.New(cfg.SlackToken),
		bus:     eventBus,
		logger:  logger,
	}
}

// NewWithAPI wires an explicit client, used by tests.
func NewWithAPI(channel string, api SlackAPI, eventBus *bus.Bus, logger *zap.Logger) *Forwarder {
	return &Forwarder{channel: channel, api: api, bus: eventBus, logger: logger}
}

// Start subscribes and launches the forwarding loop.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	sub := f.bus.Subscribe(128,
		bus.KindAlertEligible,
		bus.KindDLQSaturation,
		bus.KindEnvironmentUnreachable,
		bus.KindFailoverTriggered,
		bus.KindFailoverRecovered,
	)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				f.forward(ctx, ev)
			}
		}
	}()
	f.logger.Info("slack alert forwarder started", zap.String("channel", f.channel))
}

// Stop halts the loop.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Forwarder) forward(ctx context.Context, ev bus.Event) {
	text := f.render(ev)
	if text == "" {
		return
	}
	postCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, _, err := f.api.PostMessageContext(postCtx, f.channel,
		slack.MsgOptionText(text, false)); err != nil {
		f.logger.Warn("slack post failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// render formats one event; unknown payload shapes are dropped.
func (f *Forwarder) render(ev bus.Event) string {
	switch ev.Kind {
	case bus.KindAlertEligible:
		c, ok := ev.Payload.(*monitoring.AlertCandidate)
		if !ok {
			return ""
		}
		icon := ":red_circle:"
		if c.Result.Status == types.StatusUp {
			icon = ":large_green_circle:"
		}
		return fmt.Sprintf("%s *%s* `%s/%s`: %s → %s (%s, %d consecutive failures)",
			icon, c.Result.Status, c.Result.NestID, c.Result.ServiceID,
			c.Previous, c.Result.Status, c.Result.Message, c.ConsecutiveFailures)
	case bus.KindDLQSaturation:
		return fmt.Sprintf(":warning: DLQ saturation: %v", ev.Payload)
	case bus.KindEnvironmentUnreachable:
		return fmt.Sprintf(":satellite: monitoring environment unreachable, alerts suppressed for %v", ev.Payload)
	case bus.KindFailoverTriggered:
		if e, ok := ev.Payload.(*types.FailoverEvent); ok {
			return fmt.Sprintf(":arrows_counterclockwise: failover triggered: %s → %s (rule %s)",
				e.SourceEndpoint, e.TargetEndpoint, e.RuleID)
		}
	case bus.KindFailoverRecovered:
		if e, ok := ev.Payload.(*types.FailoverEvent); ok {
			return fmt.Sprintf(":white_check_mark: endpoint %s recovered (event %s)", e.SourceEndpoint, e.ID)
		}
	}
	return ""
}
