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

// Package archive persists the records operators replay after the
// fact: permanently failed DLQ messages and the last 24 h of failover
// decisions. PostgreSQL-backed; the in-band path never blocks on it.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// Repository is the archive over PostgreSQL.
type Repository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects, applies migrations and configures the pool.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime, connMaxIdleTime time.Duration, logger *zap.Logger) (*Repository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("archive database ready",
		zap.Int("max_open_conns", maxOpen),
		zap.Int("max_idle_conns", maxIdle))
	return &Repository{db: sqlx.NewDb(db, "pgx"), logger: logger}, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// ArchivePermanentFailure stores a message that exhausted its retry
// budget. Implements dlq.FailureArchiver.
func (r *Repository) ArchivePermanentFailure(ctx context.Context, msg *types.DLQMessage) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO dlq_permanent_failures
    (message_id, original_queue, routing_key, content, headers, first_failed_at, retry_count, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.OriginalQueue, msg.OriginalRoutingKey, msg.Content, headers,
		msg.FirstFailedAt, msg.RetryCount, msg.LastError)
	if err != nil {
		return types.NewError(types.KindStorage, "archive permanent failure", err)
	}
	return nil
}

// failoverEventRow is the scan target for failover_events.
type failoverEventRow struct {
	EventID             string         `db:"event_id"`
	RuleID              string         `db:"rule_id"`
	SourceEndpoint      string         `db:"source_endpoint"`
	TargetEndpoint      string         `db:"target_endpoint"`
	Status              string         `db:"status"`
	Conditions          []byte         `db:"conditions"`
	AffectedConnections int            `db:"affected_connections"`
	DurationMs          int64          `db:"duration_ms"`
	TriggeredAt         time.Time      `db:"triggered_at"`
	RecoveredAt         sql.NullTime   `db:"recovered_at"`
}

// RecordFailoverEvent upserts the event by id; events advance through
// their state machine, so later writes overwrite status and timing.
func (r *Repository) RecordFailoverEvent(ctx context.Context, ev *types.FailoverEvent) error {
	conditions, err := json.Marshal(ev.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	var recoveredAt sql.NullTime
	if ev.RecoveredAt != nil {
		recoveredAt = sql.NullTime{Time: *ev.RecoveredAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO failover_events
    (event_id, rule_id, source_endpoint, target_endpoint, status, conditions,
     affected_connections, duration_ms, triggered_at, recovered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (event_id) DO UPDATE SET
    status = EXCLUDED.status,
    duration_ms = EXCLUDED.duration_ms,
    recovered_at = EXCLUDED.recovered_at`,
		ev.ID, ev.RuleID, ev.SourceEndpoint, ev.TargetEndpoint, string(ev.Status),
		conditions, ev.AffectedConnections, ev.Duration.Milliseconds(),
		ev.Timestamp, recoveredAt)
	if err != nil {
		return types.NewError(types.KindStorage, "record failover event", err)
	}
	return nil
}

// ListFailoverEvents returns events triggered since the given time,
// newest first. Operators use this to replay the last 24 h.
func (r *Repository) ListFailoverEvents(ctx context.Context, since time.Time) ([]*types.FailoverEvent, error) {
	var rows []failoverEventRow
	err := r.db.SelectContext(ctx, &rows, `
SELECT event_id, rule_id, source_endpoint, target_endpoint, status, conditions,
       affected_connections, duration_ms, triggered_at, recovered_at
FROM failover_events
WHERE triggered_at >= $1
ORDER BY triggered_at DESC`, since)
	if err != nil {
		return nil, types.NewError(types.KindStorage, "list failover events", err)
	}
	events := make([]*types.FailoverEvent, len(rows))
	for i, row := range rows {
		ev := &types.FailoverEvent{
			ID:                  row.EventID,
			RuleID:              row.RuleID,
			SourceEndpoint:      row.SourceEndpoint,
			TargetEndpoint:      row.TargetEndpoint,
			Status:              types.FailoverEventStatus(row.Status),
			AffectedConnections: row.AffectedConnections,
			Duration:            time.Duration(row.DurationMs) * time.Millisecond,
			Timestamp:           row.TriggeredAt,
		}
		if len(row.Conditions) > 0 {
			if err := json.Unmarshal(row.Conditions, &ev.Conditions); err != nil {
				r.logger.Warn("undecodable conditions snapshot",
					zap.String("event_id", row.EventID),
					zap.Error(err))
			}
		}
		if row.RecoveredAt.Valid {
			t := row.RecoveredAt.Time
			ev.RecoveredAt = &t
		}
		events[i] = ev
	}
	return events, nil
}

// PurgeOlderThan enforces the retention window on both tables.
func (r *Repository) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var total int64
	res, err := r.db.ExecContext(ctx, `DELETE FROM dlq_permanent_failures WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewError(types.KindStorage, "purge dlq failures", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = r.db.ExecContext(ctx, `DELETE FROM failover_events WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return total, types.NewError(types.KindStorage, "purge failover events", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// Health reports database reachability.
func (r *Repository) Health(ctx context.Context) (bool, string) {
	if err := r.db.PingContext(ctx); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

// Close releases the connection pool.
func (r *Repository) Close() error { return r.db.Close() }
