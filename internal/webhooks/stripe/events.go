package stripewebhook

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/crumb-backend/internal/payments"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// GatewayEvent is the closed set of webhook events the reconciler understands.
type GatewayEvent interface {
	Kind() string
	gatewayEvent()
}

// CheckoutCompleted reports a finished checkout. Captured is false for an
// authorization hold that still waits for an approval decision.
type CheckoutCompleted struct {
	EventID         string
	OrderID         uuid.UUID
	Leg             enums.PaymentLeg
	SessionID       string
	PaymentIntentID string
	AmountCents     int64
	Captured        bool
	Raw             json.RawMessage
}

// PaymentFailed reports a declined or abandoned payment attempt. OrderID is
// uuid.Nil when the event carried no metadata.
type PaymentFailed struct {
	EventID         string
	OrderID         uuid.UUID
	Leg             enums.PaymentLeg
	PaymentIntentID string
	Code            string
	Message         string
	Raw             json.RawMessage
}

// ChargeRefunded carries the cumulative refunded amount known from the event.
type ChargeRefunded struct {
	EventID         string
	OrderID         uuid.UUID
	Leg             enums.PaymentLeg
	PaymentIntentID string
	RefundedCents   int64
	Reason          string
	Raw             json.RawMessage
}

// Unhandled is any verified event the engine does not act on.
type Unhandled struct {
	EventID string
	Type    string
	Reason  string
}

func (CheckoutCompleted) Kind() string { return "checkout_completed" }
func (PaymentFailed) Kind() string     { return "payment_failed" }
func (ChargeRefunded) Kind() string    { return "charge_refunded" }
func (Unhandled) Kind() string         { return "unhandled" }

func (CheckoutCompleted) gatewayEvent() {}
func (PaymentFailed) gatewayEvent()     {}
func (ChargeRefunded) gatewayEvent()    {}
func (Unhandled) gatewayEvent()         {}

// Decode maps a verified Stripe event onto a GatewayEvent.
func Decode(event stripe.Event) (GatewayEvent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	raw := event.Data.Raw

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
		}
		captured := session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		hold := session.Metadata[payments.MetadataCaptureMethod] == string(enums.CaptureManual)
		if !captured && !hold {
			return Unhandled{EventID: event.ID, Type: string(event.Type), Reason: "payment not settled yet"}, nil
		}
		out := CheckoutCompleted{
			EventID:     event.ID,
			OrderID:     orderIDFrom(session.Metadata, session.ClientReferenceID),
			Leg:         legFrom(session.Metadata),
			SessionID:   session.ID,
			AmountCents: session.AmountTotal,
			Captured:    captured && !hold,
			Raw:         raw,
		}
		if session.PaymentIntent != nil {
			out.PaymentIntentID = session.PaymentIntent.ID
		}
		return out, nil

	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
		}
		out := PaymentFailed{
			EventID: event.ID,
			OrderID: orderIDFrom(session.Metadata, session.ClientReferenceID),
			Leg:     legFrom(session.Metadata),
			Code:    "async_payment_failed",
			Raw:     raw,
		}
		if session.PaymentIntent != nil {
			out.PaymentIntentID = session.PaymentIntent.ID
		}
		return out, nil

	case stripe.EventTypePaymentIntentPaymentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
		}
		out := PaymentFailed{
			EventID:         event.ID,
			OrderID:         orderIDFrom(intent.Metadata, ""),
			Leg:             legFrom(intent.Metadata),
			PaymentIntentID: intent.ID,
			Raw:             raw,
		}
		if failure := intent.LastPaymentError; failure != nil {
			out.Code = string(failure.Code)
			if failure.DeclineCode != "" {
				out.Code = string(failure.DeclineCode)
			}
			out.Message = failure.Msg
		}
		return out, nil

	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge")
		}
		out := ChargeRefunded{
			EventID:       event.ID,
			OrderID:       orderIDFrom(charge.Metadata, ""),
			Leg:           legFrom(charge.Metadata),
			RefundedCents: charge.AmountRefunded,
			Raw:           raw,
		}
		if charge.PaymentIntent != nil {
			out.PaymentIntentID = charge.PaymentIntent.ID
		}
		return out, nil

	case stripe.EventTypeChargeRefundUpdated:
		var refund stripe.Refund
		if err := json.Unmarshal(raw, &refund); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode refund")
		}
		if refund.Status != stripe.RefundStatusSucceeded {
			return Unhandled{EventID: event.ID, Type: string(event.Type), Reason: "refund " + string(refund.Status)}, nil
		}
		// A single refund only bounds the cumulative amount from below; an
		// expanded charge carries the real total.
		refunded := refund.Amount
		if refund.Charge != nil && refund.Charge.AmountRefunded > refunded {
			refunded = refund.Charge.AmountRefunded
		}
		out := ChargeRefunded{
			EventID:       event.ID,
			OrderID:       orderIDFrom(refund.Metadata, ""),
			Leg:           legFrom(refund.Metadata),
			RefundedCents: refunded,
			Reason:        refund.Metadata["reason"],
			Raw:           raw,
		}
		if refund.PaymentIntent != nil {
			out.PaymentIntentID = refund.PaymentIntent.ID
		}
		return out, nil

	default:
		return Unhandled{EventID: event.ID, Type: string(event.Type)}, nil
	}
}

func orderIDFrom(metadata map[string]string, fallback string) uuid.UUID {
	value := strings.TrimSpace(metadata[payments.MetadataOrderID])
	if value == "" {
		value = strings.TrimSpace(fallback)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil
	}
	return id
}

func legFrom(metadata map[string]string) enums.PaymentLeg {
	switch enums.PaymentLeg(metadata[payments.MetadataPaymentLeg]) {
	case enums.PaymentLegDeposit:
		return enums.PaymentLegDeposit
	case enums.PaymentLegRemaining:
		return enums.PaymentLegRemaining
	case enums.PaymentLegFull:
		return enums.PaymentLegFull
	default:
		return ""
	}
}
