package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// Repository persists the order aggregate.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByNumber(ctx context.Context, number string) (*models.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Order, enums.PaymentLeg, error)
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	UpdatePayment(ctx context.Context, orderID uuid.UUID, expected []enums.PaymentStatus, updates map[string]any) (bool, error)
	RaiseRefunded(ctx context.Context, orderID uuid.UUID, refundedCents int64, updates map[string]any) (bool, error)
	RaiseLegRefunded(ctx context.Context, orderID uuid.UUID, leg enums.PaymentLeg, refundedCents int64, at time.Time) (*models.CakeDeposit, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Create inserts the order with its items and payment row.
func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.preloaded(ctx).Where("id = ?", id).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := r.preloaded(ctx).Where("order_number = ?", number).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByPaymentIntent resolves the order owning a payment intent and which leg it paid.
func (r *repository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.Order, enums.PaymentLeg, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Where("payment_intent_id = ?", paymentIntentID).First(&payment).Error
	if err == nil {
		order, err := r.FindByID(ctx, payment.OrderID)
		return order, enums.PaymentLegFull, err
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}

	var deposit models.CakeDeposit
	err = r.db.WithContext(ctx).
		Where("deposit_payment_intent_id = ? OR remaining_payment_intent_id = ?", paymentIntentID, paymentIntentID).
		First(&deposit).Error
	if err != nil {
		return nil, "", err
	}
	leg := enums.PaymentLegDeposit
	if deposit.RemainingPaymentIntentID != nil && *deposit.RemainingPaymentIntentID == paymentIntentID {
		leg = enums.PaymentLegRemaining
	}
	order, err := r.FindByID(ctx, deposit.OrderID)
	return order, leg, err
}

// FindPendingBefore lists PENDING orders created before cutoff, oldest first.
func (r *repository) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.OrderStatusPending, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdatePayment applies updates when the payment is in one of the expected
// statuses (any status when expected is empty) and reports whether a row changed.
func (r *repository) UpdatePayment(ctx context.Context, orderID uuid.UUID, expected []enums.PaymentStatus, updates map[string]any) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.Payment{}).Where("order_id = ?", orderID)
	if len(expected) > 0 {
		q = q.Where("status IN ?", expected)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RaiseRefunded moves refunded_cents up to refundedCents. Lower or equal
// amounts match no row, which keeps the column monotonic under replays.
func (r *repository) RaiseRefunded(ctx context.Context, orderID uuid.UUID, refundedCents int64, updates map[string]any) (bool, error) {
	values := map[string]any{"refunded_cents": refundedCents}
	for k, v := range updates {
		values[k] = v
	}
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("order_id = ? AND refunded_cents < ?", orderID, refundedCents).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RaiseLegRefunded moves one deposit leg's refunded total up to refundedCents and
// returns the updated split. It returns nil when the stored total is already as
// high. The update locks the row, so the re-read sees the other leg's committed total.
func (r *repository) RaiseLegRefunded(ctx context.Context, orderID uuid.UUID, leg enums.PaymentLeg, refundedCents int64, at time.Time) (*models.CakeDeposit, error) {
	column := "deposit_refunded_cents"
	if leg == enums.PaymentLegRemaining {
		column = "remaining_refunded_cents"
	}
	res := r.db.WithContext(ctx).Model(&models.CakeDeposit{}).
		Where("order_id = ? AND "+column+" < ?", orderID, refundedCents).
		Updates(map[string]any{column: refundedCents, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	var deposit models.CakeDeposit
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&deposit).Error; err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (r *repository) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Preload("Payment").
		Preload("Deposit")
}
