package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// Payment is one-to-one with Order; its gateway ids double as webhook idempotency keys.
type Payment struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID           uuid.UUID           `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	Provider          string              `gorm:"column:provider;not null;default:'stripe'"`
	CheckoutSessionID *string             `gorm:"column:checkout_session_id;uniqueIndex"`
	PaymentIntentID   *string             `gorm:"column:payment_intent_id;uniqueIndex"`
	CaptureMethod     enums.CaptureMethod `gorm:"column:capture_method;not null;default:'automatic'"`
	AmountCents       int64               `gorm:"column:amount_cents;not null"`
	Currency          string              `gorm:"column:currency;not null;default:'usd'"`
	Status            enums.PaymentStatus `gorm:"column:status;type:payment_status;not null;default:'PENDING'"`
	RefundedCents     int64               `gorm:"column:refunded_cents;not null;default:0"`
	RefundReason      *string             `gorm:"column:refund_reason"`
	FailureCode       *string             `gorm:"column:failure_code"`
	FailureMessage    *string             `gorm:"column:failure_message"`
	RawWebhookPayload json.RawMessage     `gorm:"column:raw_webhook_payload;type:jsonb"`
	AuthorizedAt      *time.Time          `gorm:"column:authorized_at"`
	CapturedAt        *time.Time          `gorm:"column:captured_at"`
	RefundedAt        *time.Time          `gorm:"column:refunded_at"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Payment) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
