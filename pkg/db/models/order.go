package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// Order is the aggregate root mutated only through the order state machine.
type Order struct {
	ID               uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderNumber      string            `gorm:"column:order_number;not null;uniqueIndex"`
	Status           enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'PENDING'"`
	CustomerID       *uuid.UUID        `gorm:"column:customer_id;type:uuid"`
	CustomerName     string            `gorm:"column:customer_name;not null"`
	CustomerEmail    string            `gorm:"column:customer_email;not null"`
	CustomerPhone    *string           `gorm:"column:customer_phone"`
	PickupDate       *time.Time        `gorm:"column:pickup_date;type:date"`
	PickupSlot       *string           `gorm:"column:pickup_slot"`
	Notes            *string           `gorm:"column:notes"`
	Currency         string            `gorm:"column:currency;not null;default:'usd'"`
	SubtotalCents    int64             `gorm:"column:subtotal_cents;not null"`
	TaxCents         int64             `gorm:"column:tax_cents;not null;default:0"`
	DiscountCents    int64             `gorm:"column:discount_cents;not null;default:0"`
	TotalCents       int64             `gorm:"column:total_cents;not null"`
	HasCake          bool              `gorm:"column:has_cake;not null;default:false"`
	DepositSplit     bool              `gorm:"column:deposit_split;not null;default:false"`
	DecisionToken    *string           `gorm:"column:decision_token"`
	DecisionLockedAt *time.Time        `gorm:"column:decision_locked_at"`
	DecisionAction   *string           `gorm:"column:decision_action"`
	CancelReason     *string           `gorm:"column:cancel_reason"`
	PaidAt           *time.Time        `gorm:"column:paid_at"`
	ConfirmedAt      *time.Time        `gorm:"column:confirmed_at"`
	CompletedAt      *time.Time        `gorm:"column:completed_at"`
	CancelledAt      *time.Time        `gorm:"column:cancelled_at"`
	RefundedAt       *time.Time        `gorm:"column:refunded_at"`
	Items            []OrderItem       `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Payment          *Payment          `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Deposit          *CakeDeposit      `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// OrderItem snapshots product naming and pricing at order time.
type OrderItem struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID        uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID      uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	VariantID      uuid.UUID `gorm:"column:variant_id;type:uuid;not null"`
	ProductName    string    `gorm:"column:product_name;not null"`
	VariantName    string    `gorm:"column:variant_name;not null"`
	UnitPriceCents int64     `gorm:"column:unit_price_cents;not null"`
	Quantity       int       `gorm:"column:quantity;not null"`
	LineTotalCents int64     `gorm:"column:line_total_cents;not null"`
	IsCake         bool      `gorm:"column:is_cake;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
