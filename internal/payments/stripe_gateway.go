package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/refund"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
	pkgstripe "github.com/angelmondragon/crumb-backend/pkg/stripe"
)

// stripeAPI is the subset of Stripe resources the gateway drives.
type stripeAPI interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	ExpireCheckoutSession(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

type stripeResources struct{}

func (stripeResources) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

func (stripeResources) CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, params)
}

func (stripeResources) CancelPaymentIntent(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Cancel(id, params)
}

func (stripeResources) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(params)
}

func (stripeResources) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.Get(id, params)
}

func (stripeResources) ExpireCheckoutSession(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error) {
	return session.Expire(id, params)
}

// StripeGateway implements Gateway on the Stripe resource packages. Each
// call is a single attempt bounded by timeout; a failed call is re-issued by
// whoever owns the work, under the same idempotency key.
type StripeGateway struct {
	api     stripeAPI
	secret  string
	timeout time.Duration
	metrics *metrics.OrderMetrics
	logg    *logger.Logger
}

// NewStripeGateway wires the gateway to a configured Stripe client.
func NewStripeGateway(client *pkgstripe.Client, m *metrics.OrderMetrics, logg *logger.Logger) (*StripeGateway, error) {
	if client == nil {
		return nil, errors.New("stripe client required")
	}
	return newStripeGateway(stripeResources{}, client.SigningSecret(), client.CallTimeout(), m, logg), nil
}

func newStripeGateway(api stripeAPI, secret string, timeout time.Duration, m *metrics.OrderMetrics, logg *logger.Logger) *StripeGateway {
	if logg == nil {
		logg = logger.Nop()
	}
	return &StripeGateway{api: api, secret: secret, timeout: timeout, metrics: m, logg: logg}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout amount must be positive")
	}
	leg := req.Leg
	if leg == "" {
		leg = enums.PaymentLegFull
	}
	capture := req.CaptureMethod
	if capture == "" {
		capture = enums.CaptureAutomatic
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = "usd"
	}

	metadata := map[string]string{
		MetadataOrderID:       req.OrderID.String(),
		MetadataOrderNumber:   req.OrderNumber,
		MetadataPaymentLeg:    string(leg),
		MetadataCaptureMethod: string(capture),
	}

	var created *stripe.CheckoutSession
	err := g.call(ctx, "checkout_session", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{
			Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
			SuccessURL:        stripe.String(req.SuccessURL),
			CancelURL:         stripe.String(req.CancelURL),
			ClientReferenceID: stripe.String(req.OrderID.String()),
			LineItems: []*stripe.CheckoutSessionLineItemParams{{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(lineItemName(req.OrderNumber, leg)),
						Description: optionalString(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			}},
			PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
				CaptureMethod: stripe.String(string(capture)),
				Metadata:      metadata,
			},
		}
		if req.CustomerEmail != "" {
			params.CustomerEmail = stripe.String(req.CustomerEmail)
		}
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}
		params.Context = ctx
		params.SetIdempotencyKey(CheckoutKey(req.OrderID, leg))

		s, err := g.api.NewCheckoutSession(params)
		if err != nil {
			return err
		}
		created = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &CheckoutSession{ID: created.ID, URL: created.URL}
	if created.PaymentIntent != nil {
		out.PaymentIntentID = created.PaymentIntent.ID
	}
	return out, nil
}

// Capture charges a held authorization.
func (g *StripeGateway) Capture(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	return g.call(ctx, "capture", func(ctx context.Context) error {
		params := &stripe.PaymentIntentCaptureParams{}
		params.Context = ctx
		params.SetIdempotencyKey(CaptureKey(paymentIntentID))
		_, err := g.api.CapturePaymentIntent(paymentIntentID, params)
		return err
	})
}

// Cancel releases a held authorization without charging the customer.
func (g *StripeGateway) Cancel(ctx context.Context, paymentIntentID string) error {
	if paymentIntentID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	return g.call(ctx, "cancel", func(ctx context.Context) error {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
		}
		params.Context = ctx
		params.SetIdempotencyKey(CancelKey(paymentIntentID))
		_, err := g.api.CancelPaymentIntent(paymentIntentID, params)
		return err
	})
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.PaymentIntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = RefundKey(req.OrderID, req.AmountCents)
	}

	var created *stripe.Refund
	err := g.call(ctx, "refund", func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(req.PaymentIntentID),
			Amount:        stripe.Int64(req.AmountCents),
			Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		}
		params.AddMetadata(MetadataOrderID, req.OrderID.String())
		if req.Reason != "" {
			params.AddMetadata("reason", req.Reason)
		}
		params.Context = ctx
		params.SetIdempotencyKey(key)
		r, err := g.api.NewRefund(params)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &RefundResult{ID: created.ID, Status: string(created.Status), AmountCents: created.Amount}, nil
}

// ExpireCheckoutSession closes an open checkout session so it can no longer
// be paid. It reports false when the customer already completed it.
func (g *StripeGateway) ExpireCheckoutSession(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "checkout session id required")
	}
	expired := false
	err := g.call(ctx, "expire_session", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		current, err := g.api.GetCheckoutSession(sessionID, params)
		if err != nil {
			return err
		}
		switch current.Status {
		case stripe.CheckoutSessionStatusComplete:
			return nil
		case stripe.CheckoutSessionStatusExpired:
			expired = true
			return nil
		}
		expireParams := &stripe.CheckoutSessionExpireParams{}
		expireParams.Context = ctx
		expireParams.SetIdempotencyKey(ExpireKey(sessionID))
		closed, err := g.api.ExpireCheckoutSession(sessionID, expireParams)
		if err != nil {
			return err
		}
		expired = closed.Status != stripe.CheckoutSessionStatusComplete
		return nil
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// VerifyWebhookSignature authenticates a webhook body against the signing secret.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	return verifyEvent(payload, signature, g.secret)
}

func (g *StripeGateway) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil {
		code := gatewayCode(err)
		g.metrics.IncGatewayCall(operation, "error")
		g.logg.Error(g.logg.WithFields(ctx, map[string]any{
			"gateway_operation": operation,
			"outcome_unknown":   IsOutcomeUnknown(err),
		}), "stripe call failed", err)
		return pkgerrors.Wrap(code, err, operation+" failed")
	}
	g.metrics.IncGatewayCall(operation, "ok")
	return nil
}

func lineItemName(orderNumber string, leg enums.PaymentLeg) string {
	switch leg {
	case enums.PaymentLegDeposit:
		return "Deposit for order " + orderNumber
	case enums.PaymentLegRemaining:
		return "Remaining balance for order " + orderNumber
	default:
		return "Order " + orderNumber
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return stripe.String(value)
}
