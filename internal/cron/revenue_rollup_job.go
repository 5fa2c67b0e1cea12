package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

type RevenueRollupJobParams struct {
	Logger *logger.Logger
	DB     txRunner
	// Lookback is how many finished days are recomputed each run, so refunds
	// that land a day late still reach the rollup.
	Lookback int
}

func NewRevenueRollupJob(params RevenueRollupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = 1
	}
	return &revenueRollupJob{logg: params.Logger, db: params.DB, lookback: lookback, now: time.Now}, nil
}

type revenueRollupJob struct {
	logg     *logger.Logger
	db       txRunner
	lookback int
	now      func() time.Time
}

func (j *revenueRollupJob) Name() string { return "revenue_rollup" }

func (j *revenueRollupJob) Run(ctx context.Context) error {
	today := truncateDay(j.now())
	for i := j.lookback; i >= 1; i-- {
		day := today.AddDate(0, 0, -i)
		if err := j.rollup(ctx, day); err != nil {
			return fmt.Errorf("rollup %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

// collectedRow is money that reached the bakery on the rolled-up day: a whole
// payment, or one leg of a deposit split.
type collectedRow struct {
	OrderID       uuid.UUID
	Leg           enums.PaymentLeg
	AmountCents   int64
	DepositCents  int64
	TaxCents      int64
	TotalCents    int64
	RefundedCents int64
}

func (j *revenueRollupJob) rollup(ctx context.Context, day time.Time) error {
	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := collectedOn(ctx, tx, day)
		if err != nil {
			return err
		}

		gross, tax, refunded := decimal.Zero, decimal.Zero, decimal.Zero
		orderIDs := map[uuid.UUID]struct{}{}
		for _, row := range rows {
			orderIDs[row.OrderID] = struct{}{}
			gross = gross.Add(decimal.NewFromInt(row.AmountCents))
			tax = tax.Add(legTax(row))
			refunded = refunded.Add(decimal.NewFromInt(row.RefundedCents))
		}
		entry := models.DailyRevenue{
			Day:           day,
			OrderCount:    int64(len(orderIDs)),
			GrossCents:    gross.IntPart(),
			TaxCents:      tax.IntPart(),
			RefundedCents: refunded.IntPart(),
			NetCents:      gross.Sub(refunded).IntPart(),
			UpdatedAt:     j.now().UTC(),
		}
		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"order_count", "gross_cents", "tax_cents", "refunded_cents", "net_cents", "updated_at"}),
		}).Create(&entry).Error; err != nil {
			return err
		}

		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"day":         day.Format("2006-01-02"),
			"order_count": entry.OrderCount,
			"net_cents":   entry.NetCents,
		}), "revenue rollup written")
		return nil
	})
}

// collectedOn gathers whole payments captured on day and deposit legs paid on day.
// Split orders are counted only through their legs.
func collectedOn(ctx context.Context, tx *gorm.DB, day time.Time) ([]collectedRow, error) {
	from, to := day, day.AddDate(0, 0, 1)

	var whole []collectedRow
	err := tx.WithContext(ctx).
		Table("payments AS p").
		Select("p.order_id, 'full' AS leg, p.amount_cents, 0 AS deposit_cents, o.tax_cents, o.total_cents, p.refunded_cents").
		Joins("JOIN orders o ON o.id = p.order_id").
		Where("o.deposit_split = ?", false).
		Where("p.captured_at >= ? AND p.captured_at < ?", from, to).
		Where("p.status IN ?", []enums.PaymentStatus{
			enums.PaymentStatusSucceeded,
			enums.PaymentStatusPartiallyRefunded,
			enums.PaymentStatusRefunded,
		}).
		Scan(&whole).Error
	if err != nil {
		return nil, err
	}

	var deposits []collectedRow
	err = tx.WithContext(ctx).
		Table("cake_deposits AS d").
		Select("d.order_id, 'deposit' AS leg, d.deposit_cents AS amount_cents, d.deposit_cents, o.tax_cents, o.total_cents, d.deposit_refunded_cents AS refunded_cents").
		Joins("JOIN orders o ON o.id = d.order_id").
		Where("d.deposit_paid = ? AND d.deposit_paid_at >= ? AND d.deposit_paid_at < ?", true, from, to).
		Scan(&deposits).Error
	if err != nil {
		return nil, err
	}

	var remainders []collectedRow
	err = tx.WithContext(ctx).
		Table("cake_deposits AS d").
		Select("d.order_id, 'remaining' AS leg, d.remaining_cents AS amount_cents, d.deposit_cents, o.tax_cents, o.total_cents, d.remaining_refunded_cents AS refunded_cents").
		Joins("JOIN orders o ON o.id = d.order_id").
		Where("d.remaining_paid = ? AND d.remaining_paid_at >= ? AND d.remaining_paid_at < ?", true, from, to).
		Scan(&remainders).Error
	if err != nil {
		return nil, err
	}

	rows := append(whole, deposits...)
	return append(rows, remainders...), nil
}

// legTax splits an order's tax across its legs in proportion to the deposit,
// with the remaining leg taking the rounding so the legs add up.
func legTax(row collectedRow) decimal.Decimal {
	tax := decimal.NewFromInt(row.TaxCents)
	if row.Leg == enums.PaymentLegFull || row.TotalCents <= 0 {
		return tax
	}
	depositTax := tax.Mul(decimal.NewFromInt(row.DepositCents)).
		Div(decimal.NewFromInt(row.TotalCents)).
		Round(0)
	if row.Leg == enums.PaymentLegDeposit {
		return depositTax
	}
	return tax.Sub(depositTax)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
