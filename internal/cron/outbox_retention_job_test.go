package cron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/db/dbtest"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
)

func TestOutboxRetentionKeepsPendingAndRecentRows(t *testing.T) {
	client, conn := dbtest.OpenClient(t)
	now := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	published := old.Add(time.Minute)

	insert := func(createdAt time.Time, publishedAt *time.Time, attempts int) uuid.UUID {
		row := models.OutboxEvent{
			ID:            uuid.New(),
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Payload:       []byte(`{}`),
			CreatedAt:     createdAt,
			PublishedAt:   publishedAt,
			AttemptCount:  attempts,
		}
		require.NoError(t, conn.Create(&row).Error)
		return row.ID
	}
	oldPublished := insert(old, &published, 1)
	oldParked := insert(old, nil, 10)
	oldPending := insert(old, nil, 3)
	recent := insert(now.Add(-time.Hour), &published, 1)

	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:      logger.Nop(),
		DB:          client,
		Repository:  outbox.NewRepository(conn),
		MaxAttempts: 10,
	})
	require.NoError(t, err)
	job := jobIface.(*outboxRetentionJob)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))

	var remaining []uuid.UUID
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Order("created_at").Pluck("id", &remaining).Error)
	require.ElementsMatch(t, []uuid.UUID{oldPending, recent}, remaining)
	require.NotContains(t, remaining, oldPublished)
	require.NotContains(t, remaining, oldParked)
}

func TestOutboxRetentionRequiresAttemptCeiling(t *testing.T) {
	client, conn := dbtest.OpenClient(t)
	_, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         client,
		Repository: outbox.NewRepository(conn),
	})
	require.Error(t, err)
}

func TestOutboxRetentionReportsDLQBacklog(t *testing.T) {
	client, conn := dbtest.OpenClient(t)
	dlq := outbox.NewDLQRepository(conn)

	park := func(eventID uuid.UUID, reason enums.OutboxDLQErrorReason) {
		require.NoError(t, client.WithTx(context.Background(), func(tx *gorm.DB) error {
			return dlq.InsertTx(tx, models.OutboxDLQ{
				EventID:       eventID,
				EventType:     enums.EventNotificationRequested,
				AggregateType: enums.AggregateOrder,
				AggregateID:   uuid.New(),
				Payload:       []byte(`{}`),
				ErrorReason:   reason,
			})
		}))
	}
	repeated := uuid.New()
	park(repeated, enums.OutboxDLQReasonMaxAttempts)
	park(repeated, enums.OutboxDLQReasonMaxAttempts)
	park(uuid.New(), enums.OutboxDLQReasonNonRetryable)

	backlog, err := dlq.Backlog(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), backlog[enums.OutboxDLQReasonMaxAttempts])
	require.Equal(t, int64(1), backlog[enums.OutboxDLQReasonNonRetryable])

	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:      logger.Nop(),
		DB:          client,
		Repository:  outbox.NewRepository(conn),
		DLQ:         dlq,
		MaxAttempts: 10,
	})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
}
