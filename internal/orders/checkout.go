package orders

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/payments"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// StartCheckout opens a gateway session for the whole order total. The session
// is keyed on the order, so repeated calls get the gateway's cached session back.
func (s *Service) StartCheckout(ctx context.Context, orderID uuid.UUID) (*CheckoutDTO, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, "order %s not found", orderID)
	}
	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "order is %s; checkout is only open while PENDING", order.Status)
	}
	if order.DepositSplit {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is split into deposit legs; pay the deposit instead")
	}
	if order.Payment == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s has no payment", order.ID)
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Leg:           enums.PaymentLegFull,
		AmountCents:   order.TotalCents,
		Currency:      order.Currency,
		Description:   fmt.Sprintf("Order %s", order.OrderNumber),
		CustomerEmail: order.CustomerEmail,
		CaptureMethod: order.Payment.CaptureMethod,
		SuccessURL:    payments.ExpandReturnURL(s.stripe.SuccessURL, order.OrderNumber),
		CancelURL:     payments.ExpandReturnURL(s.stripe.CancelURL, order.OrderNumber),
	})
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		stored, err := s.repo.WithTx(tx).UpdatePayment(ctx, order.ID,
			[]enums.PaymentStatus{enums.PaymentStatusPending},
			map[string]any{"checkout_session_id": session.ID, "updated_at": s.now()},
		)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store checkout session")
		}
		if !stored {
			logCtx := s.logg.WithOrderID(ctx, order.ID.String())
			s.logg.Warn(logCtx, "payment left PENDING before checkout session was stored")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutDTO{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Leg:         enums.PaymentLegFull,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
		AmountCents: order.TotalCents,
	}, nil
}

// Refund returns money on a captured full-leg payment. AmountCents of zero
// refunds whatever is left. The gateway call is keyed on the cumulative target,
// so a retried refund after a lost response is not paid out twice.
func (s *Service) Refund(ctx context.Context, input RefundInput) (*ChangeResult, error) {
	if input.AmountCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount cannot be negative")
	}
	order, err := s.repo.FindByID(ctx, input.OrderID)
	if err != nil {
		return nil, mapFindError(err, "order %s not found", input.OrderID)
	}
	if order.DepositSplit {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deposit orders are refunded per leg from the payment dashboard")
	}
	payment := order.Payment
	if payment == nil || payment.PaymentIntentID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no captured payment")
	}
	if payment.Status != enums.PaymentStatusSucceeded && payment.Status != enums.PaymentStatusPartiallyRefunded {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "payment is %s and cannot be refunded", payment.Status)
	}

	remaining := payment.AmountCents - payment.RefundedCents
	amount := input.AmountCents
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "refund of %d exceeds the refundable %d", amount, remaining)
	}
	target := payment.RefundedCents + amount

	if _, err := s.gateway.Refund(ctx, payments.RefundRequest{
		OrderID:         order.ID,
		PaymentIntentID: *payment.PaymentIntentID,
		AmountCents:     amount,
		Reason:          input.Reason,
		IdempotencyKey:  payments.RefundKey(order.ID, target),
	}); err != nil {
		return nil, err
	}

	return s.MarkRefunded(ctx, MarkRefundedInput{
		OrderID:         order.ID,
		PaymentIntentID: *payment.PaymentIntentID,
		RefundedCents:   target,
		Reason:          input.Reason,
		Actor:           input.Actor,
		ActorID:         input.ActorID,
	})
}
