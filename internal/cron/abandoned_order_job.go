package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

const (
	abandonedBatchSize = 100
	abandonedReason    = "checkout abandoned"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type abandonedOrderCanceller interface {
	ListAbandoned(ctx context.Context, limit int) ([]models.Order, error)
	CancelAbandoned(ctx context.Context, orderID uuid.UUID, actorID, reason string) (*orders.ChangeResult, error)
}

type AbandonedOrderJobParams struct {
	Logger    *logger.Logger
	Orders    abandonedOrderCanceller
	BatchSize int
}

// NewAbandonedOrderJob cancels PENDING orders nobody paid for within the
// configured window, which hands their reserved stock back. Checkout sessions
// are expired at the gateway first so a cancelled order cannot be paid.
func NewAbandonedOrderJob(params AbandonedOrderJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = abandonedBatchSize
	}
	return &abandonedOrderJob{logg: params.Logger, orders: params.Orders, batch: batch}, nil
}

type abandonedOrderJob struct {
	logg   *logger.Logger
	orders abandonedOrderCanceller
	batch  int
}

func (j *abandonedOrderJob) Name() string { return "abandoned_order_sweep" }

func (j *abandonedOrderJob) Run(ctx context.Context) error {
	var errs error
	cancelled, kept := 0, 0
	failed := map[uuid.UUID]struct{}{}
	settled := map[uuid.UUID]struct{}{}
	for {
		limit := j.batch + len(failed) + len(settled)
		pending, err := j.orders.ListAbandoned(ctx, limit)
		if err != nil {
			return multierr.Append(errs, fmt.Errorf("list abandoned orders: %w", err))
		}

		progressed := false
		for _, order := range pending {
			if _, skip := failed[order.ID]; skip {
				continue
			}
			if _, skip := settled[order.ID]; skip {
				continue
			}
			result, err := j.orders.CancelAbandoned(ctx, order.ID, j.Name(), abandonedReason)
			if err != nil {
				failed[order.ID] = struct{}{}
				errs = multierr.Append(errs, fmt.Errorf("cancel order %s: %w", order.OrderNumber, err))
				continue
			}
			progressed = true
			switch {
			case result.Applied:
				cancelled++
			case result.Order != nil && result.Order.Status == enums.OrderStatusPending:
				settled[order.ID] = struct{}{}
				kept++
			}
		}
		if !progressed || len(pending) < limit {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cancelled": cancelled,
		"kept":      kept,
		"failed":    len(failed),
	}), "abandoned order sweep complete")
	return errs
}
