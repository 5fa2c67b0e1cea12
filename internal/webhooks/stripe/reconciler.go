package stripewebhook

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/crumb-backend/internal/deposits"
	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
)

// Outcome labels what a webhook delivery did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeUnhandled Outcome = "unhandled"
	OutcomeError     Outcome = "error"
)

type orderPayments interface {
	MarkPaid(ctx context.Context, input orders.MarkPaidInput) (*orders.ChangeResult, error)
	MarkPaymentFailed(ctx context.Context, input orders.MarkPaymentFailedInput) (*orders.ChangeResult, error)
	MarkRefunded(ctx context.Context, input orders.MarkRefundedInput) (*orders.ChangeResult, error)
	ResolvePaymentIntent(ctx context.Context, paymentIntentID string) (uuid.UUID, enums.PaymentLeg, error)
}

type legPayments interface {
	MarkDepositPaid(ctx context.Context, input deposits.LegPaidInput) (*orders.ChangeResult, error)
	MarkFinalPaid(ctx context.Context, input deposits.LegPaidInput) (*orders.ChangeResult, error)
}

type signatureVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

type ReconcilerParams struct {
	Verifier signatureVerifier
	Orders   orderPayments
	Deposits legPayments
	Metrics  *metrics.OrderMetrics
	Logger   *logger.Logger
}

// Reconciler turns verified gateway events into order and deposit changes.
// It keeps no record of seen events: every downstream call is itself
// idempotent, so a replayed delivery lands on a no-op.
type Reconciler struct {
	verifier signatureVerifier
	orders   orderPayments
	deposits legPayments
	metrics  *metrics.OrderMetrics
	logg     *logger.Logger
}

func NewReconciler(p ReconcilerParams) (*Reconciler, error) {
	if p.Verifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "signature verifier required")
	}
	if p.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order service required")
	}
	if p.Deposits == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "deposit service required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Reconciler{
		verifier: p.Verifier,
		orders:   p.Orders,
		deposits: p.Deposits,
		metrics:  p.Metrics,
		logg:     logg,
	}, nil
}

// Handle verifies, decodes and applies one webhook delivery.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := r.verifier.VerifyWebhookSignature(payload, signature)
	if err != nil {
		r.metrics.IncWebhookEvent("unverified", string(OutcomeError))
		if pkgerrors.IsCode(err, pkgerrors.CodeSignature) {
			return OutcomeError, err
		}
		return OutcomeError, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "verify webhook signature")
	}

	ctx = r.logg.WithEventID(ctx, event.ID)
	decoded, err := Decode(event)
	if err != nil {
		// redelivering a payload that cannot be read never helps; ack it as unhandled
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"event_type": string(event.Type),
			"error":      err.Error(),
		}), "webhook payload could not be decoded")
		decoded = Unhandled{EventID: event.ID, Type: string(event.Type), Reason: "undecodable payload"}
	}
	return r.Apply(ctx, decoded)
}

// Apply routes a decoded event. Events for orders this service does not know
// are acknowledged as no-ops so the gateway stops redelivering them.
func (r *Reconciler) Apply(ctx context.Context, event GatewayEvent) (Outcome, error) {
	outcome, err := r.apply(ctx, event)
	if err != nil && pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		r.logg.Warn(r.logg.WithField(ctx, "event_kind", event.Kind()), "webhook references an unknown order")
		outcome, err = OutcomeNoop, nil
	}
	if err != nil {
		outcome = OutcomeError
	}
	r.metrics.IncWebhookEvent(event.Kind(), string(outcome))

	logCtx := r.logg.WithFields(ctx, map[string]any{"event_kind": event.Kind(), "outcome": outcome})
	if err != nil {
		r.logg.Error(logCtx, "webhook reconciliation failed", err)
	} else {
		r.logg.Info(logCtx, "webhook reconciled")
	}
	return outcome, err
}

func (r *Reconciler) apply(ctx context.Context, event GatewayEvent) (Outcome, error) {
	switch ev := event.(type) {
	case CheckoutCompleted:
		if ev.OrderID == uuid.Nil {
			return OutcomeNoop, pkgerrors.Newf(pkgerrors.CodeNotFound, "checkout session %s carries no order id", ev.SessionID)
		}
		ctx = r.logg.WithOrderID(ctx, ev.OrderID.String())
		leg := deposits.LegPaidInput{
			OrderID:         ev.OrderID,
			SessionID:       ev.SessionID,
			PaymentIntentID: ev.PaymentIntentID,
			AmountCents:     ev.AmountCents,
			Raw:             ev.Raw,
		}
		switch ev.Leg {
		case enums.PaymentLegDeposit:
			return outcomeOf(r.deposits.MarkDepositPaid(ctx, leg))
		case enums.PaymentLegRemaining:
			return outcomeOf(r.deposits.MarkFinalPaid(ctx, leg))
		default:
			return outcomeOf(r.orders.MarkPaid(ctx, orders.MarkPaidInput{
				OrderID:         ev.OrderID,
				SessionID:       ev.SessionID,
				PaymentIntentID: ev.PaymentIntentID,
				AmountCents:     ev.AmountCents,
				Captured:        ev.Captured,
				Raw:             ev.Raw,
			}))
		}

	case PaymentFailed:
		orderID, leg, err := r.resolve(ctx, ev.OrderID, ev.Leg, ev.PaymentIntentID)
		if err != nil {
			return OutcomeError, err
		}
		ctx = r.logg.WithOrderID(ctx, orderID.String())
		if leg == enums.PaymentLegDeposit || leg == enums.PaymentLegRemaining {
			// the customer can retry the leg; the abandoned sweep reclaims stock otherwise
			r.logg.Warn(r.logg.WithField(ctx, "leg", leg), "deposit leg payment failed")
			return OutcomeNoop, nil
		}
		return outcomeOf(r.orders.MarkPaymentFailed(ctx, orders.MarkPaymentFailedInput{
			OrderID:         orderID,
			PaymentIntentID: ev.PaymentIntentID,
			Code:            ev.Code,
			Message:         ev.Message,
			Raw:             ev.Raw,
		}))

	case ChargeRefunded:
		orderID, leg, err := r.resolve(ctx, ev.OrderID, ev.Leg, ev.PaymentIntentID)
		if err != nil {
			return OutcomeError, err
		}
		if ev.RefundedCents <= 0 {
			return OutcomeNoop, nil
		}
		ctx = r.logg.WithOrderID(ctx, orderID.String())
		return outcomeOf(r.orders.MarkRefunded(ctx, orders.MarkRefundedInput{
			OrderID:         orderID,
			PaymentIntentID: ev.PaymentIntentID,
			Leg:             leg,
			RefundedCents:   ev.RefundedCents,
			Reason:          ev.Reason,
			Raw:             ev.Raw,
		}))

	case Unhandled:
		r.logg.Debug(r.logg.WithFields(ctx, map[string]any{"event_type": ev.Type, "reason": ev.Reason}), "webhook event ignored")
		return OutcomeUnhandled, nil

	default:
		return OutcomeError, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown gateway event %T", event))
	}
}

// resolve fills in the order and leg from the payment intent when the event
// metadata did not carry them.
func (r *Reconciler) resolve(ctx context.Context, orderID uuid.UUID, leg enums.PaymentLeg, paymentIntentID string) (uuid.UUID, enums.PaymentLeg, error) {
	if orderID != uuid.Nil && leg != "" {
		return orderID, leg, nil
	}
	if paymentIntentID == "" {
		if orderID != uuid.Nil {
			return orderID, enums.PaymentLegFull, nil
		}
		return uuid.Nil, "", pkgerrors.New(pkgerrors.CodeNotFound, "event carries neither order id nor payment intent")
	}
	resolvedID, resolvedLeg, err := r.orders.ResolvePaymentIntent(ctx, paymentIntentID)
	if err != nil {
		if orderID != uuid.Nil && pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return orderID, enums.PaymentLegFull, nil
		}
		return uuid.Nil, "", err
	}
	return resolvedID, resolvedLeg, nil
}

func outcomeOf(result *orders.ChangeResult, err error) (Outcome, error) {
	if err != nil {
		return OutcomeError, err
	}
	if result != nil && result.Applied {
		return OutcomeApplied, nil
	}
	return OutcomeNoop, nil
}
