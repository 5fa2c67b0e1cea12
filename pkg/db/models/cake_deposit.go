package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CakeDeposit splits an order total into two independently payable legs.
type CakeDeposit struct {
	ID                       uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID                  uuid.UUID  `gorm:"column:order_id;type:uuid;not null;uniqueIndex"`
	Percentage               int        `gorm:"column:percentage;not null"`
	DepositCents             int64      `gorm:"column:deposit_cents;not null"`
	RemainingCents           int64      `gorm:"column:remaining_cents;not null"`
	DepositPaid              bool       `gorm:"column:deposit_paid;not null;default:false"`
	DepositPaidAt            *time.Time `gorm:"column:deposit_paid_at"`
	DepositSessionID         *string    `gorm:"column:deposit_session_id;uniqueIndex"`
	DepositPaymentIntentID   *string    `gorm:"column:deposit_payment_intent_id;uniqueIndex"`
	RemainingPaid            bool       `gorm:"column:remaining_paid;not null;default:false"`
	RemainingPaidAt          *time.Time `gorm:"column:remaining_paid_at"`
	RemainingSessionID       *string    `gorm:"column:remaining_session_id;uniqueIndex"`
	RemainingPaymentIntentID *string    `gorm:"column:remaining_payment_intent_id;uniqueIndex"`
	DepositRefundedCents     int64      `gorm:"column:deposit_refunded_cents;not null;default:0"`
	RemainingRefundedCents   int64      `gorm:"column:remaining_refunded_cents;not null;default:0"`
	CreatedAt                time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (d *CakeDeposit) BeforeCreate(*gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
