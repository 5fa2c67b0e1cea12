package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/inventory"
	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

const defaultLowStockThreshold = 5

type lowStockLister interface {
	LowStock(ctx context.Context, conn *gorm.DB, threshold int) ([]inventory.LowStockVariant, error)
}

type notifier interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req notifications.Request) (bool, error)
}

type LowStockJobParams struct {
	Logger    *logger.Logger
	Conn      *gorm.DB
	DB        txRunner
	Stock     lowStockLister
	Notifier  notifier
	Threshold int
}

// NewLowStockJob alerts staff about sellable variants running out. Alerts
// are keyed per variant per day, so hourly scans send at most one a day.
func NewLowStockJob(params LowStockJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Conn == nil:
		return nil, fmt.Errorf("db connection required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Stock == nil:
		return nil, fmt.Errorf("stock lister required")
	case params.Notifier == nil:
		return nil, fmt.Errorf("notifier required")
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	return &lowStockJob{
		logg:      params.Logger,
		conn:      params.Conn,
		db:        params.DB,
		stock:     params.Stock,
		notifier:  params.Notifier,
		threshold: threshold,
		now:       time.Now,
	}, nil
}

type lowStockJob struct {
	logg      *logger.Logger
	conn      *gorm.DB
	db        txRunner
	stock     lowStockLister
	notifier  notifier
	threshold int
	now       func() time.Time
}

func (j *lowStockJob) Name() string { return "low_stock_scan" }

func (j *lowStockJob) Run(ctx context.Context) error {
	variants, err := j.stock.LowStock(ctx, j.conn, j.threshold)
	if err != nil {
		return err
	}

	day := j.now().UTC()
	queued := 0
	var errs error
	for _, variant := range variants {
		snapshot := &payloads.VariantSnapshot{
			VariantID:     variant.VariantID,
			ProductName:   variant.ProductName,
			VariantName:   variant.VariantName,
			StockQuantity: variant.StockQuantity,
		}
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			created, err := j.notifier.Enqueue(ctx, tx, notifications.Request{
				Kind:    enums.NotificationLowStockAlert,
				Variant: snapshot,
				Actor:   &outbox.ActorRef{Actor: enums.ActorSystem, ID: j.Name()},
				Day:     day,
			})
			if created {
				queued++
			}
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("alert variant %s: %w", variant.VariantID, err))
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"threshold": j.threshold,
		"low":       len(variants),
		"queued":    queued,
	}), "low stock scan complete")
	return errs
}
