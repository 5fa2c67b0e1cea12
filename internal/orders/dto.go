package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// LineInput is one requested cart line.
type LineInput struct {
	VariantID uuid.UUID `json:"variant_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"required,min=1"`
}

// CustomerInput is the denormalized customer snapshot stored on the order.
type CustomerInput struct {
	ID    *uuid.UUID `json:"id,omitempty"`
	Name  string     `json:"name" validate:"required,max=120"`
	Email string     `json:"email" validate:"required,email"`
	Phone *string    `json:"phone,omitempty" validate:"omitempty,max=32"`
}

type CreateOrderInput struct {
	Customer      CustomerInput `json:"customer" validate:"required"`
	PickupDate    *time.Time    `json:"pickup_date,omitempty"`
	PickupSlot    *string       `json:"pickup_slot,omitempty" validate:"omitempty,max=32"`
	Notes         *string       `json:"notes,omitempty" validate:"omitempty,max=1000"`
	DiscountCents int64         `json:"discount_cents" validate:"min=0"`
	Lines         []LineInput   `json:"lines" validate:"required,min=1,dive"`
}

// MarkPaidInput carries a successful checkout reported by the gateway.
// Captured is false for authorize-then-capture holds.
type MarkPaidInput struct {
	OrderID         uuid.UUID
	SessionID       string
	PaymentIntentID string
	AmountCents     int64
	Captured        bool
	Raw             json.RawMessage
}

type MarkPaymentFailedInput struct {
	OrderID         uuid.UUID
	PaymentIntentID string
	Code            string
	Message         string
	Raw             json.RawMessage
}

// MarkRefundedInput reports the cumulative refunded amount seen by the gateway
// for one charge. On deposit orders that is the total of a single leg.
type MarkRefundedInput struct {
	OrderID         uuid.UUID
	PaymentIntentID string
	Leg             enums.PaymentLeg
	RefundedCents   int64
	Reason          string
	Raw             json.RawMessage
	// Actor defaults to the webhook when empty.
	Actor   enums.Actor
	ActorID string
}

type RefundInput struct {
	OrderID     uuid.UUID
	Actor       enums.Actor
	ActorID     string
	AmountCents int64
	Reason      string
}

// ChangeResult pairs the order after an idempotent operation with whether it changed anything.
type ChangeResult struct {
	Order   *OrderDTO `json:"order"`
	Applied bool      `json:"applied"`
}

type CheckoutDTO struct {
	OrderID     uuid.UUID        `json:"order_id"`
	OrderNumber string           `json:"order_number"`
	Leg         enums.PaymentLeg `json:"leg"`
	SessionID   string           `json:"session_id"`
	CheckoutURL string           `json:"checkout_url"`
	AmountCents int64            `json:"amount_cents"`
}

type OrderItemDTO struct {
	ProductID      uuid.UUID `json:"product_id"`
	VariantID      uuid.UUID `json:"variant_id"`
	ProductName    string    `json:"product_name"`
	VariantName    string    `json:"variant_name"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
	IsCake         bool      `json:"is_cake"`
}

type PaymentDTO struct {
	Status          enums.PaymentStatus `json:"status"`
	CaptureMethod   enums.CaptureMethod `json:"capture_method"`
	AmountCents     int64               `json:"amount_cents"`
	RefundedCents   int64               `json:"refunded_cents"`
	Currency        string              `json:"currency"`
	PaymentIntentID *string             `json:"payment_intent_id,omitempty"`
	FailureCode     *string             `json:"failure_code,omitempty"`
}

type DepositDTO struct {
	Percentage             int        `json:"percentage"`
	DepositCents           int64      `json:"deposit_cents"`
	RemainingCents         int64      `json:"remaining_cents"`
	DepositPaid            bool       `json:"deposit_paid"`
	DepositPaidAt          *time.Time `json:"deposit_paid_at,omitempty"`
	RemainingPaid          bool       `json:"remaining_paid"`
	RemainingPaidAt        *time.Time `json:"remaining_paid_at,omitempty"`
	DepositRefundedCents   int64      `json:"deposit_refunded_cents"`
	RemainingRefundedCents int64      `json:"remaining_refunded_cents"`
}

type OrderDTO struct {
	ID            uuid.UUID         `json:"id"`
	OrderNumber   string            `json:"order_number"`
	Status        enums.OrderStatus `json:"status"`
	CustomerName  string            `json:"customer_name"`
	CustomerEmail string            `json:"customer_email"`
	CustomerPhone *string           `json:"customer_phone,omitempty"`
	PickupDate    *time.Time        `json:"pickup_date,omitempty"`
	PickupSlot    *string           `json:"pickup_slot,omitempty"`
	Notes         *string           `json:"notes,omitempty"`
	Currency      string            `json:"currency"`
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	DiscountCents int64             `json:"discount_cents"`
	TotalCents    int64             `json:"total_cents"`
	HasCake       bool              `json:"has_cake"`
	DepositSplit  bool              `json:"deposit_split"`
	CancelReason  *string           `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	Items         []OrderItemDTO    `json:"items"`
	Payment       *PaymentDTO       `json:"payment,omitempty"`
	Deposit       *DepositDTO       `json:"deposit,omitempty"`
}

// NewOrderDTO maps a loaded order aggregate to its API shape.
func NewOrderDTO(order *models.Order) *OrderDTO {
	if order == nil {
		return nil
	}
	dto := &OrderDTO{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		CustomerPhone: order.CustomerPhone,
		PickupDate:    order.PickupDate,
		PickupSlot:    order.PickupSlot,
		Notes:         order.Notes,
		Currency:      order.Currency,
		SubtotalCents: order.SubtotalCents,
		TaxCents:      order.TaxCents,
		DiscountCents: order.DiscountCents,
		TotalCents:    order.TotalCents,
		HasCake:       order.HasCake,
		DepositSplit:  order.DepositSplit,
		CancelReason:  order.CancelReason,
		CreatedAt:     order.CreatedAt,
		PaidAt:        order.PaidAt,
		ConfirmedAt:   order.ConfirmedAt,
		CompletedAt:   order.CompletedAt,
		CancelledAt:   order.CancelledAt,
		Items:         make([]OrderItemDTO, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ProductID:      item.ProductID,
			VariantID:      item.VariantID,
			ProductName:    item.ProductName,
			VariantName:    item.VariantName,
			UnitPriceCents: item.UnitPriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: item.LineTotalCents,
			IsCake:         item.IsCake,
		})
	}
	if p := order.Payment; p != nil {
		dto.Payment = &PaymentDTO{
			Status:          p.Status,
			CaptureMethod:   p.CaptureMethod,
			AmountCents:     p.AmountCents,
			RefundedCents:   p.RefundedCents,
			Currency:        p.Currency,
			PaymentIntentID: p.PaymentIntentID,
			FailureCode:     p.FailureCode,
		}
	}
	if d := order.Deposit; d != nil {
		dto.Deposit = &DepositDTO{
			Percentage:             d.Percentage,
			DepositCents:           d.DepositCents,
			RemainingCents:         d.RemainingCents,
			DepositPaid:            d.DepositPaid,
			DepositPaidAt:          d.DepositPaidAt,
			RemainingPaid:          d.RemainingPaid,
			RemainingPaidAt:        d.RemainingPaidAt,
			DepositRefundedCents:   d.DepositRefundedCents,
			RemainingRefundedCents: d.RemainingRefundedCents,
		}
	}
	return dto
}
