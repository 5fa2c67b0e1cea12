package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

// MarkPaid records a completed full-leg checkout. A captured payment moves the
// order PENDING -> PAID; an authorization hold moves it to PENDING_APPROVAL.
// Money arriving on a CANCELLED order is recorded on the payment and handed
// to staff; the order stays cancelled. Orders in any other status are returned
// unchanged, so webhook replays are no-ops.
func (s *Service) MarkPaid(ctx context.Context, input MarkPaidInput) (*ChangeResult, error) {
	target := enums.OrderStatusPaid
	paymentStatus := enums.PaymentStatusSucceeded
	if !input.Captured {
		target = enums.OrderStatusPendingApproval
		paymentStatus = enums.PaymentStatusAuthorized
	}

	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.load(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		if order.Status == enums.OrderStatusCancelled {
			applied, err = s.recordPaymentOnCancelled(ctx, tx, order, input, paymentStatus)
			return err
		}
		if order.Status != enums.OrderStatusPending {
			return nil
		}

		res, err := s.machine.Apply(ctx, tx, TransitionRequest{
			OrderID: order.ID,
			From:    enums.OrderStatusPending,
			To:      target,
			Actor:   enums.ActorWebhook,
			ActorID: input.PaymentIntentID,
		})
		if err != nil || !res.Applied {
			return err
		}
		applied = true

		now := s.now()
		updates := map[string]any{"status": paymentStatus, "updated_at": now}
		if input.PaymentIntentID != "" {
			updates["payment_intent_id"] = input.PaymentIntentID
		}
		if input.SessionID != "" {
			updates["checkout_session_id"] = input.SessionID
		}
		if input.Captured {
			updates["captured_at"] = now
		} else {
			updates["authorized_at"] = now
		}
		setRaw(updates, input.Raw)
		if _, err := s.repo.WithTx(tx).UpdatePayment(ctx, order.ID,
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusFailed}, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment")
		}
		if order.Payment != nil && input.AmountCents > 0 && input.AmountCents != order.Payment.AmountCents {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"order_id": order.ID.String(),
				"expected": order.Payment.AmountCents,
				"received": input.AmountCents,
			})
			s.logg.Warn(logCtx, "gateway amount differs from order total")
		}

		if err := s.emitPayment(ctx, tx, order.ID, input.PaymentIntentID, enums.PaymentLegFull, paymentStatus, input.AmountCents, 0); err != nil {
			return err
		}

		fresh, err := s.load(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		actor := &outbox.ActorRef{Actor: enums.ActorWebhook, ID: input.PaymentIntentID}
		if input.Captured {
			if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
				Kind:  enums.NotificationOrderConfirmed,
				Order: fresh,
				Actor: actor,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue order confirmed")
			}
		}
		if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
			Kind:        enums.NotificationPaymentReceived,
			Order:       fresh,
			Leg:         enums.PaymentLegFull,
			AmountCents: input.AmountCents,
			Actor:       actor,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment received")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, input.OrderID, applied)
}

// recordPaymentOnCancelled keeps the gateway's word on a payment that landed
// after the order was cancelled, so staff can return it. Replays find the
// payment already recorded and do nothing.
func (s *Service) recordPaymentOnCancelled(ctx context.Context, tx *gorm.DB, order *models.Order, input MarkPaidInput, paymentStatus enums.PaymentStatus) (bool, error) {
	if order.DepositSplit {
		return false, nil
	}
	// a released hold already carries its intent; replays of it are not late money
	if p := order.Payment; p != nil && p.Status == enums.PaymentStatusCancelled && p.PaymentIntentID != nil {
		return false, nil
	}
	now := s.now()
	updates := map[string]any{"status": paymentStatus, "updated_at": now}
	if input.PaymentIntentID != "" {
		updates["payment_intent_id"] = input.PaymentIntentID
	}
	if input.SessionID != "" {
		updates["checkout_session_id"] = input.SessionID
	}
	if input.Captured {
		updates["captured_at"] = now
	} else {
		updates["authorized_at"] = now
	}
	setRaw(updates, input.Raw)
	recorded, err := s.repo.WithTx(tx).UpdatePayment(ctx, order.ID,
		[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusCancelled, enums.PaymentStatusFailed}, updates)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment on cancelled order")
	}
	if !recorded {
		return false, nil
	}

	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"order_id":          order.ID.String(),
		"payment_intent_id": input.PaymentIntentID,
		"payment_status":    paymentStatus,
	}), "payment arrived on a cancelled order")

	if err := s.emitPayment(ctx, tx, order.ID, input.PaymentIntentID, enums.PaymentLegFull, paymentStatus, input.AmountCents, 0); err != nil {
		return false, err
	}
	fresh, err := s.load(ctx, tx, order.ID)
	if err != nil {
		return false, err
	}
	reason := "payment captured after cancellation; refund it"
	if !input.Captured {
		reason = "card authorized after cancellation; release the hold"
	}
	if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
		Kind:        enums.NotificationPaymentOnCancelled,
		Order:       fresh,
		Leg:         enums.PaymentLegFull,
		Reason:      reason,
		AmountCents: input.AmountCents,
		Actor:       &outbox.ActorRef{Actor: enums.ActorWebhook, ID: input.PaymentIntentID},
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment on cancelled order")
	}
	return true, nil
}

// MarkPaymentFailed cancels an unpaid order, releasing its stock, and marks the payment FAILED.
func (s *Service) MarkPaymentFailed(ctx context.Context, input MarkPaymentFailedInput) (*ChangeResult, error) {
	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.load(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusPending && order.Status != enums.OrderStatusPendingApproval {
			return nil
		}

		reason := "payment failed"
		if input.Code != "" {
			reason = "payment failed: " + input.Code
		}
		res, err := s.machine.Apply(ctx, tx, TransitionRequest{
			OrderID: order.ID,
			From:    order.Status,
			To:      enums.OrderStatusCancelled,
			Actor:   enums.ActorWebhook,
			ActorID: input.PaymentIntentID,
			Reason:  reason,
		})
		if err != nil || !res.Applied {
			return err
		}
		applied = true

		updates := map[string]any{"status": enums.PaymentStatusFailed, "updated_at": s.now()}
		if input.PaymentIntentID != "" {
			updates["payment_intent_id"] = input.PaymentIntentID
		}
		if input.Code != "" {
			updates["failure_code"] = input.Code
		}
		if input.Message != "" {
			updates["failure_message"] = input.Message
		}
		setRaw(updates, input.Raw)
		if _, err := s.repo.WithTx(tx).UpdatePayment(ctx, order.ID,
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusAuthorized}, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment failure")
		}
		return s.emitPayment(ctx, tx, order.ID, input.PaymentIntentID, enums.PaymentLegFull, enums.PaymentStatusFailed, 0, 0)
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, input.OrderID, applied)
}

// MarkRefunded records the cumulative refunded amount the gateway reports for
// one charge. Stored amounts only grow. Deposit orders keep a total per leg and
// the payment carries their sum. Once everything collected has been returned
// the order moves to REFUNDED when its status allows it.
func (s *Service) MarkRefunded(ctx context.Context, input MarkRefundedInput) (*ChangeResult, error) {
	if input.RefundedCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refunded amount must be positive")
	}

	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.load(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		payment := order.Payment
		if payment == nil {
			return pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s has no payment", order.ID)
		}

		now := s.now()
		totals, err := s.refundTotals(ctx, tx, order, input, now)
		if err != nil || totals == nil {
			return err
		}
		full := totals.refunded >= totals.collected
		status := enums.PaymentStatusPartiallyRefunded
		if full {
			status = enums.PaymentStatusRefunded
		}

		updates := map[string]any{"status": status, "refunded_at": now, "updated_at": now}
		if input.Reason != "" {
			updates["refund_reason"] = input.Reason
		}
		setRaw(updates, input.Raw)
		raised, err := s.repo.WithTx(tx).RaiseRefunded(ctx, order.ID, totals.refunded, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record refund")
		}
		if !raised {
			return nil
		}
		applied = true

		if full && CanTransition(order.Status, enums.OrderStatusRefunded) {
			actor, actorID := input.Actor, input.ActorID
			if actor == "" {
				actor, actorID = enums.ActorWebhook, input.PaymentIntentID
			}
			if _, err := s.machine.Apply(ctx, tx, TransitionRequest{
				OrderID: order.ID,
				From:    order.Status,
				To:      enums.OrderStatusRefunded,
				Actor:   actor,
				ActorID: actorID,
				Reason:  input.Reason,
			}); err != nil {
				return err
			}
		}
		return s.emitPayment(ctx, tx, order.ID, input.PaymentIntentID, totals.leg, status, payment.AmountCents, totals.refunded)
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, input.OrderID, applied)
}

type refundTotals struct {
	leg       enums.PaymentLeg
	refunded  int64
	collected int64
}

// refundTotals folds one charge's refund into order-wide totals. A nil result
// means the report changed nothing.
func (s *Service) refundTotals(ctx context.Context, tx *gorm.DB, order *models.Order, input MarkRefundedInput, now time.Time) (*refundTotals, error) {
	payment := order.Payment
	deposit := order.Deposit
	if !order.DepositSplit || deposit == nil {
		return &refundTotals{
			leg:       enums.PaymentLegFull,
			refunded:  min(input.RefundedCents, payment.AmountCents),
			collected: payment.AmountCents,
		}, nil
	}

	leg := refundLeg(deposit, input)
	legAmount := deposit.DepositCents
	switch leg {
	case enums.PaymentLegDeposit:
	case enums.PaymentLegRemaining:
		legAmount = deposit.RemainingCents
	default:
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"order_id":          order.ID.String(),
			"payment_intent_id": input.PaymentIntentID,
		}), "refund on a deposit order matches neither leg")
		return nil, nil
	}

	updated, err := s.repo.WithTx(tx).RaiseLegRefunded(ctx, order.ID, leg, min(input.RefundedCents, legAmount), now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record leg refund")
	}
	if updated == nil {
		return nil, nil
	}

	refunded := updated.DepositRefundedCents + updated.RemainingRefundedCents
	var collected int64
	if updated.DepositPaid {
		collected += updated.DepositCents
	}
	if updated.RemainingPaid {
		collected += updated.RemainingCents
	}
	return &refundTotals{leg: leg, refunded: refunded, collected: max(collected, refunded)}, nil
}

// refundLeg trusts the leg named in the charge metadata and otherwise matches
// the payment intent against the split.
func refundLeg(deposit *models.CakeDeposit, input MarkRefundedInput) enums.PaymentLeg {
	switch input.Leg {
	case enums.PaymentLegDeposit, enums.PaymentLegRemaining:
		return input.Leg
	}
	switch pi := input.PaymentIntentID; {
	case pi == "":
		return ""
	case deposit.DepositPaymentIntentID != nil && *deposit.DepositPaymentIntentID == pi:
		return enums.PaymentLegDeposit
	case deposit.RemainingPaymentIntentID != nil && *deposit.RemainingPaymentIntentID == pi:
		return enums.PaymentLegRemaining
	}
	return ""
}

func (s *Service) emitPayment(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, paymentIntentID string, leg enums.PaymentLeg, status enums.PaymentStatus, amount, refunded int64) error {
	_, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Actor:         &outbox.ActorRef{Actor: enums.ActorWebhook, ID: paymentIntentID},
		Data: payloads.PaymentRecordedEvent{
			OrderID:         orderID,
			PaymentIntentID: paymentIntentID,
			Leg:             leg,
			Status:          status,
			AmountCents:     amount,
			RefundedCents:   refunded,
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment recorded")
	}
	return nil
}

// setRaw stores the webhook body as text so postgres parses it as jsonb.
func setRaw(updates map[string]any, raw json.RawMessage) {
	if len(raw) > 0 && json.Valid(raw) {
		updates["raw_webhook_payload"] = string(raw)
	}
}
