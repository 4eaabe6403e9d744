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

// Package dlq implements the dead-letter queue over Redis Streams.
//
// Every protected queue <q> has two companions: <q>.dlq parks failed
// messages and <q>.retry holds delayed redeliveries. The consumer
// republishes parked messages with exponential backoff until
// maxRetries, then records them as permanent failures. No message is
// lost before ack; no message is retried beyond maxRetries.
package dlq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/bus"
	"github.com/m00npl/guardant-sub002/pkg/metrics"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

// Stream header fields, mirrored from the wire protocol.
const (
	headerMessageID   = "x-message-id"
	headerQueue       = "x-original-queue"
	headerExchange    = "x-original-exchange"
	headerRoutingKey  = "x-original-routing-key"
	headerRetryCount  = "x-retry-count"
	headerFirstFailed = "x-first-failed-at"
	headerLastError   = "x-last-error"
	fieldContent      = "content"
	fieldDeliverAt    = "deliver-at"
)

const consumerGroup = "dlq-consumer"

// Config tunes retry scheduling and saturation alerting.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	Factor         float64
	MaxDelay       time.Duration
	MessageTTL     time.Duration // bounds parking time in <q>.dlq
	AlertThreshold int           // permanent failures before a saturation alert
	BlockTimeout   time.Duration // consumer read block
}

// DefaultConfig matches the canonical deployment.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		Factor:         2,
		MaxDelay:       time.Minute,
		MessageTTL:     24 * time.Hour,
		AlertThreshold: 50,
		BlockTimeout:   2 * time.Second,
	}
}

// RetryDelay computes the backoff before redelivery number
// retryCount+1: min(base*factor^retryCount, maxDelay).
func (c Config) RetryDelay(retryCount int) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * math.Pow(c.Factor, float64(retryCount)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// FailureArchiver persists permanent failures for analysis. The
// Postgres archive implements it; a nil archiver only logs.
type FailureArchiver interface {
	ArchivePermanentFailure(ctx context.Context, msg *types.DLQMessage) error
}

// PermanentFailure is the structured record emitted when a message
// exhausts its retry budget.
type PermanentFailure struct {
	Message    *types.DLQMessage `json:"message"`
	ErrorClass string            `json:"errorClass"`
	FailedAt   time.Time         `json:"failedAt"`
}

// Client publishes to and consumes from the companion queues.
type Client struct {
	rdb      *redis.Client
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	bus      *bus.Bus
	archiver FailureArchiver

	mu             sync.Mutex
	permanentCount map[string]int // by original queue
}

// NewClient wraps rdb. bus and archiver may be nil.
func NewClient(rdb *redis.Client, cfg Config, m *metrics.Metrics, eventBus *bus.Bus, archiver FailureArchiver, logger *zap.Logger) (*Client, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("maxRetries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	return &Client{
		rdb:            rdb,
		config:         cfg,
		logger:         logger,
		metrics:        m,
		bus:            eventBus,
		archiver:       archiver,
		permanentCount: make(map[string]int),
	}, nil
}

func dlqStream(queue string) string   { return queue + ".dlq" }
func retryZSet(queue string) string   { return queue + ".retry" }

// Publish parks a failed message on <originalQueue>.dlq. The caller
// supplies the error that poisoned it; retry metadata is preserved
// across redeliveries.
func (c *Client) Publish(ctx context.Context, msg *types.DLQMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.FirstFailedAt.IsZero() {
		msg.FirstFailedAt = time.Now()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = c.config.MaxRetries
	}

	values := map[string]interface{}{
		headerMessageID:   msg.ID,
		headerQueue:       msg.OriginalQueue,
		headerExchange:    msg.OriginalExchange,
		headerRoutingKey:  msg.OriginalRoutingKey,
		headerRetryCount:  strconv.Itoa(msg.RetryCount),
		headerFirstFailed: msg.FirstFailedAt.Format(time.RFC3339Nano),
		headerLastError:   msg.LastError,
		fieldContent:      base64.StdEncoding.EncodeToString(msg.Content),
	}
	for k, v := range msg.Headers {
		values["h-"+k] = v
	}

	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream(msg.OriginalQueue),
		Values: values,
	}).Err(); err != nil {
		return types.NewError(types.KindQueue, "park message on dlq", err)
	}
	if c.metrics != nil {
		c.metrics.DLQParked.WithLabelValues(msg.OriginalQueue).Inc()
	}
	c.logger.Debug("message parked on dlq",
		zap.String("queue", msg.OriginalQueue),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount))
	return nil
}

// decode reconstructs a DLQMessage from stream fields.
func decode(values map[string]interface{}) (*types.DLQMessage, error) {
	str := func(k string) string {
		if v, ok := values[k].(string); ok {
			return v
		}
		return ""
	}
	content, err := base64.StdEncoding.DecodeString(str(fieldContent))
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	retryCount, _ := strconv.Atoi(str(headerRetryCount))
	firstFailed, _ := time.Parse(time.RFC3339Nano, str(headerFirstFailed))

	msg := &types.DLQMessage{
		ID:                 str(headerMessageID),
		OriginalQueue:      str(headerQueue),
		OriginalExchange:   str(headerExchange),
		OriginalRoutingKey: str(headerRoutingKey),
		Content:            content,
		RetryCount:         retryCount,
		FirstFailedAt:      firstFailed,
		LastError:          str(headerLastError),
		Headers:            make(map[string]string),
	}
	for k, v := range values {
		if len(k) > 2 && k[:2] == "h-" {
			if s, ok := v.(string); ok {
				msg.Headers[k[2:]] = s
			}
		}
	}
	return msg, nil
}

// Consume processes <queue>.dlq until ctx is cancelled. The current
// message is always finished and acknowledged before exit.
func (c *Client) Consume(ctx context.Context, queue string) error {
	stream := dlqStream(queue)
	if err := c.ensureGroup(ctx, stream); err != nil {
		return err
	}
	consumer := "dlq-" + uuid.NewString()[:8]

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    c.config.BlockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("dlq read failed", zap.String("queue", queue), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, str := range res {
			for _, entry := range str.Messages {
				// Shutdown drains the in-hand message first: process
				// with a background-derived context, then honor ctx.
				c.handleEntry(context.WithoutCancel(ctx), queue, entry)
			}
		}
	}
}

func (c *Client) ensureGroup(ctx context.Context, stream string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return types.NewError(types.KindQueue, "create consumer group", err)
	}
	return nil
}

// handleEntry decides retry or permanent failure for one parked
// message, then acknowledges it.
func (c *Client) handleEntry(ctx context.Context, queue string, entry redis.XMessage) {
	stream := dlqStream(queue)
	msg, err := decode(entry.Values)
	if err != nil {
		c.logger.Error("undecodable dlq entry, acknowledging",
			zap.String("queue", queue),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		c.ack(ctx, stream, entry.ID)
		return
	}

	// Parking-time bound: messages older than MessageTTL go straight
	// to permanent failure regardless of remaining retries.
	expired := c.config.MessageTTL > 0 && time.Since(msg.FirstFailedAt) > c.config.MessageTTL

	if msg.RetryCount < msg.MaxRetries && !expired {
		if err := c.scheduleRetry(ctx, msg); err != nil {
			// Leave unacked; the pending entry is redelivered.
			c.logger.Error("retry scheduling failed, leaving message pending",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			return
		}
		if c.metrics != nil {
			c.metrics.DLQRetried.WithLabelValues(queue).Inc()
		}
		c.ack(ctx, stream, entry.ID)
		return
	}

	c.recordPermanentFailure(ctx, msg)
	c.ack(ctx, stream, entry.ID)
}

// scheduleRetry places the message on <q>.retry with its due time;
// the scheduler loop dead-letters it back to the original queue on
// expiry.
func (c *Client) scheduleRetry(ctx context.Context, msg *types.DLQMessage) error {
	delay := c.config.RetryDelay(msg.RetryCount)
	msg.RetryCount++

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal retry message: %w", err)
	}
	deliverAt := time.Now().Add(delay)
	if err := c.rdb.ZAdd(ctx, retryZSet(msg.OriginalQueue), redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		return types.NewError(types.KindQueue, "schedule retry", err)
	}
	c.logger.Debug("retry scheduled",
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount),
		zap.Duration("delay", delay))
	return nil
}

func (c *Client) recordPermanentFailure(ctx context.Context, msg *types.DLQMessage) {
	errorClass := classifyError(msg.LastError)
	failure := &PermanentFailure{Message: msg, ErrorClass: errorClass, FailedAt: time.Now()}

	c.logger.Error("message permanently failed",
		zap.String("queue", msg.OriginalQueue),
		zap.String("message_id", msg.ID),
		zap.String("error_class", errorClass),
		zap.Int("retry_count", msg.RetryCount),
		zap.String("last_error", msg.LastError))

	if c.archiver != nil {
		if err := c.archiver.ArchivePermanentFailure(ctx, msg); err != nil {
			c.logger.Warn("permanent failure archive write failed",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
	if c.metrics != nil {
		c.metrics.DLQPermanentFailures.WithLabelValues(msg.OriginalQueue, errorClass).Inc()
	}
	if c.bus != nil {
		c.bus.Publish(bus.KindDLQPermanentFailure, failure)
	}

	c.mu.Lock()
	c.permanentCount[msg.OriginalQueue]++
	count := c.permanentCount[msg.OriginalQueue]
	c.mu.Unlock()
	if c.config.AlertThreshold > 0 && count == c.config.AlertThreshold {
		c.logger.Error("dlq saturation threshold crossed",
			zap.String("queue", msg.OriginalQueue),
			zap.Int("permanent_failures", count))
		if c.bus != nil {
			c.bus.Publish(bus.KindDLQSaturation, msg.OriginalQueue)
		}
	}
}

func (c *Client) ack(ctx context.Context, stream, id string) {
	if err := c.rdb.XAck(ctx, stream, consumerGroup, id).Err(); err != nil {
		c.logger.Warn("dlq ack failed", zap.String("entry_id", id), zap.Error(err))
	}
}

// RunRetryScheduler moves due retry-queue messages back to their
// original queue. Runs until ctx is cancelled.
func (c *Client) RunRetryScheduler(ctx context.Context, queue string, tick time.Duration) error {
	if tick <= 0 {
		tick = 200 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := c.deliverDue(ctx, queue); err != nil && ctx.Err() == nil {
			c.logger.Warn("retry delivery pass failed",
				zap.String("queue", queue),
				zap.Error(err))
		}
	}
}

// deliverDue republishes every retry entry whose due time has passed.
// Each message is re-delivered to the original queue exactly once per
// retry: the ZRem guards against double delivery.
func (c *Client) deliverDue(ctx context.Context, queue string) error {
	zset := retryZSet(queue)
	now := float64(time.Now().UnixMilli())
	members, err := c.rdb.ZRangeByScore(ctx, zset, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', -1, 64), Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := c.rdb.ZRem(ctx, zset, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another scheduler instance won
		}
		var msg types.DLQMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			c.logger.Error("undecodable retry entry dropped", zap.Error(err))
			continue
		}
		values := map[string]interface{}{
			headerMessageID:   msg.ID,
			headerRetryCount:  strconv.Itoa(msg.RetryCount),
			headerFirstFailed: msg.FirstFailedAt.Format(time.RFC3339Nano),
			headerLastError:   msg.LastError,
			fieldContent:      base64.StdEncoding.EncodeToString(msg.Content),
		}
		if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: msg.OriginalQueue, Values: values}).Err(); err != nil {
			// Put it back; it will be retried on the next pass.
			_ = c.rdb.ZAdd(ctx, zset, redis.Z{Score: now, Member: member}).Err()
			return err
		}
		c.logger.Debug("retry delivered to original queue",
			zap.String("queue", msg.OriginalQueue),
			zap.String("message_id", msg.ID),
			zap.Int("retry_count", msg.RetryCount))
	}
	return nil
}

// Stats samples queue depths; sampled, not authoritative.
type Stats struct {
	Parked          map[string]int64 `json:"parked"`
	PendingRetries  map[string]int64 `json:"pendingRetries"`
	PermanentByQueue map[string]int  `json:"permanentByQueue"`
}

// Stats reports current depths for the given queues.
func (c *Client) Stats(ctx context.Context, queues ...string) (*Stats, error) {
	s := &Stats{
		Parked:           make(map[string]int64),
		PendingRetries:   make(map[string]int64),
		PermanentByQueue: make(map[string]int),
	}
	for _, q := range queues {
		parked, err := c.rdb.XLen(ctx, dlqStream(q)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		pending, err := c.rdb.ZCard(ctx, retryZSet(q)).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		s.Parked[q] = parked
		s.PendingRetries[q] = pending
		c.mu.Lock()
		s.PermanentByQueue[q] = c.permanentCount[q]
		c.mu.Unlock()
	}
	return s, nil
}

// Health reports whether the DLQ transport is reachable.
func (c *Client) Health(ctx context.Context) (bool, string) {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

// classifyError buckets error strings into coarse classes for the
// per-class permanent-failure counters.
func classifyError(msg string) string {
	lower := strings.ToLower(msg)
	contains := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(lower, sub) {
				return true
			}
		}
		return false
	}
	switch {
	case msg == "":
		return "unknown"
	case contains("timeout", "deadline"):
		return "timeout"
	case contains("connection", "refused", "reset", "broken pipe"):
		return "network"
	case contains("unmarshal", "parse", "decode", "invalid"):
		return "malformed"
	case contains("unauthorized", "forbidden", "auth"):
		return "auth"
	default:
		return "processing"
	}
}
