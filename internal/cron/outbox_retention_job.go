package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

const defaultOutboxRetention = 30 * 24 * time.Hour

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxPruner
	DLQ        dlqBacklog
	Retention  time.Duration
	// MaxAttempts matches the publisher's ceiling; rows at it were moved to the DLQ.
	MaxAttempts int
}

type dlqBacklog interface {
	Backlog(ctx context.Context) (map[enums.OutboxDLQErrorReason]int64, error)
}

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

// NewOutboxRetentionJob prunes delivered notification jobs. Dedupe keys of
// pruned rows become reusable, which only matters for replays older than the
// retention window.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultOutboxRetention
	}
	if params.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts required")
	}
	return &outboxRetentionJob{
		logg:        params.Logger,
		db:          params.DB,
		repo:        params.Repository,
		dlq:         params.DLQ,
		retention:   retention,
		maxAttempts: params.MaxAttempts,
		now:         time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg        *logger.Logger
	db          txRunner
	repo        outboxPruner
	dlq         dlqBacklog
	retention   time.Duration
	maxAttempts int
	now         func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox_retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeletePublishedBefore(ctx, tx, cutoff, j.maxAttempts)
		deleted = rows
		return err
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	fields := map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}
	if j.dlq != nil {
		backlog, err := j.dlq.Backlog(ctx)
		if err != nil {
			return fmt.Errorf("dlq backlog: %w", err)
		}
		fields["dlq_backlog"] = backlog
		var parked int64
		for _, n := range backlog {
			parked += n
		}
		if parked > 0 {
			j.logg.Warn(j.logg.WithFields(ctx, fields), "outbox dlq holds parked notifications")
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, fields), "outbox retention cleanup complete")
	return nil
}
