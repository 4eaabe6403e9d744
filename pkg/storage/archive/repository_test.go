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

package archive_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/m00npl/guardant-sub002/pkg/storage/archive"
	"github.com/m00npl/guardant-sub002/pkg/types"
)

var _ = Describe("Archive repository", func() {
	var (
		db   *sql.DB
		mock sqlmock.Sqlmock
		repo *archive.Repository
	)

	BeforeEach(func() {
		var err error
		db, mock, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		repo = archive.NewWithDB(db, zap.NewNop())
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		db.Close()
	})

	It("archives a permanently failed message with its headers", func() {
		msg := &types.DLQMessage{
			ID:            "msg-1",
			OriginalQueue: "check-results",
			Content:       []byte("payload"),
			Headers:       map[string]string{"tenant": "acme"},
			FirstFailedAt: time.Now().Add(-time.Hour),
			RetryCount:    3,
			LastError:     "connection refused",
		}
		headers, _ := json.Marshal(msg.Headers)

		mock.ExpectExec("INSERT INTO dlq_permanent_failures").
			WithArgs(msg.ID, msg.OriginalQueue, msg.OriginalRoutingKey, msg.Content, headers,
				msg.FirstFailedAt, msg.RetryCount, msg.LastError).
			WillReturnResult(sqlmock.NewResult(1, 1))

		Expect(repo.ArchivePermanentFailure(context.Background(), msg)).To(Succeed())
	})

	It("wraps insert failures as storage errors", func() {
		mock.ExpectExec("INSERT INTO dlq_permanent_failures").
			WillReturnError(sql.ErrConnDone)

		err := repo.ArchivePermanentFailure(context.Background(), &types.DLQMessage{ID: "msg-1"})
		Expect(err).To(HaveOccurred())
		Expect(types.Kind(err)).To(Equal(types.KindStorage))
	})

	It("upserts failover events so the state machine overwrites itself", func() {
		now := time.Now()
		ev := &types.FailoverEvent{
			ID:             "evt-1",
			RuleID:         "rule-1",
			SourceEndpoint: "ep-a",
			TargetEndpoint: "ep-b",
			Status:         types.FailoverCompleted,
			Conditions:     map[string]float64{"errorRate": 12.5},
			Duration:       1500 * time.Millisecond,
			Timestamp:      now,
		}
		conditions, _ := json.Marshal(ev.Conditions)

		mock.ExpectExec("INSERT INTO failover_events").
			WithArgs(ev.ID, ev.RuleID, ev.SourceEndpoint, ev.TargetEndpoint, "completed",
				conditions, ev.AffectedConnections, int64(1500), ev.Timestamp, sql.NullTime{}).
			WillReturnResult(sqlmock.NewResult(1, 1))

		Expect(repo.RecordFailoverEvent(context.Background(), ev)).To(Succeed())
	})

	It("lists failover events newest first with recovery times restored", func() {
		triggered := time.Now().Add(-time.Hour)
		recovered := triggered.Add(10 * time.Minute)
		conditions, _ := json.Marshal(map[string]float64{"errorRate": 20})

		rows := sqlmock.NewRows([]string{
			"event_id", "rule_id", "source_endpoint", "target_endpoint", "status",
			"conditions", "affected_connections", "duration_ms", "triggered_at", "recovered_at",
		}).AddRow("evt-2", "rule-1", "ep-a", "ep-b", "recovered",
			conditions, 42, int64(900), triggered, recovered)

		mock.ExpectQuery("SELECT (.+) FROM failover_events").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(rows)

		events, err := repo.ListFailoverEvents(context.Background(), time.Now().Add(-24*time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].ID).To(Equal("evt-2"))
		Expect(events[0].Conditions).To(HaveKeyWithValue("errorRate", 20.0))
		Expect(events[0].Duration).To(Equal(900 * time.Millisecond))
		Expect(events[0].RecoveredAt).NotTo(BeNil())
		Expect(events[0].RecoveredAt.Equal(recovered)).To(BeTrue())
	})

	It("purges both tables and sums the affected rows", func() {
		mock.ExpectExec("DELETE FROM dlq_permanent_failures").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 7))
		mock.ExpectExec("DELETE FROM failover_events").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 3))

		purged, err := repo.PurgeOlderThan(context.Background(), 30*24*time.Hour)
		Expect(err).NotTo(HaveOccurred())
		Expect(purged).To(Equal(int64(10)))
	})
})
