package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// OrderCreatedEvent announces a new order with its reserved lines.
type OrderCreatedEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber string            `json:"order_number"`
	Status      enums.OrderStatus `json:"status"`
	TotalCents  int64             `json:"total_cents"`
	HasCake     bool              `json:"has_cake"`
	Lines       []ReservedLine    `json:"lines"`
}

type ReservedLine struct {
	VariantID uuid.UUID `json:"variant_id"`
	Quantity  int       `json:"quantity"`
}

// OrderStatusChangedEvent is emitted for every applied transition.
type OrderStatusChangedEvent struct {
	OrderID       uuid.UUID         `json:"order_id"`
	OrderNumber   string            `json:"order_number"`
	From          enums.OrderStatus `json:"from"`
	To            enums.OrderStatus `json:"to"`
	Reason        string            `json:"reason,omitempty"`
	StockReleased bool              `json:"stock_released"`
	ChangedAt     time.Time         `json:"changed_at"`
}

// PaymentRecordedEvent mirrors a payment row change applied from the gateway.
type PaymentRecordedEvent struct {
	OrderID         uuid.UUID           `json:"order_id"`
	PaymentIntentID string              `json:"payment_intent_id,omitempty"`
	Leg             enums.PaymentLeg    `json:"leg"`
	Status          enums.PaymentStatus `json:"status"`
	AmountCents     int64               `json:"amount_cents"`
	RefundedCents   int64               `json:"refunded_cents,omitempty"`
}

// DepositCreatedEvent records a deposit split.
type DepositCreatedEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	Percentage     int       `json:"percentage"`
	DepositCents   int64     `json:"deposit_cents"`
	RemainingCents int64     `json:"remaining_cents"`
}

// NotificationRequestedEvent is the immutable job handed to notification dispatch.
type NotificationRequestedEvent struct {
	Kind        enums.NotificationKind `json:"kind"`
	Audience    string                 `json:"audience"`
	Order       *OrderSnapshot         `json:"order,omitempty"`
	Payment     *PaymentSnapshot       `json:"payment,omitempty"`
	Variant     *VariantSnapshot       `json:"variant,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	CheckoutURL string                 `json:"checkout_url,omitempty"`
	Leg         enums.PaymentLeg       `json:"leg,omitempty"`
	AmountCents int64                  `json:"amount_cents,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
}

type OrderSnapshot struct {
	OrderID       uuid.UUID         `json:"order_id"`
	OrderNumber   string            `json:"order_number"`
	Status        enums.OrderStatus `json:"status"`
	CustomerName  string            `json:"customer_name"`
	CustomerEmail string            `json:"customer_email"`
	CustomerPhone *string           `json:"customer_phone,omitempty"`
	PickupDate    *time.Time        `json:"pickup_date,omitempty"`
	PickupSlot    *string           `json:"pickup_slot,omitempty"`
	Currency      string            `json:"currency"`
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	DiscountCents int64             `json:"discount_cents"`
	TotalCents    int64             `json:"total_cents"`
	Items         []ItemSnapshot    `json:"items"`
}

type ItemSnapshot struct {
	ProductName    string `json:"product_name"`
	VariantName    string `json:"variant_name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type PaymentSnapshot struct {
	PaymentIntentID string              `json:"payment_intent_id,omitempty"`
	Status          enums.PaymentStatus `json:"status"`
	AmountCents     int64               `json:"amount_cents"`
	RefundedCents   int64               `json:"refunded_cents"`
	Currency        string              `json:"currency"`
}

type VariantSnapshot struct {
	VariantID     uuid.UUID `json:"variant_id"`
	ProductName   string    `json:"product_name"`
	VariantName   string    `json:"variant_name"`
	StockQuantity int       `json:"stock_quantity"`
}
