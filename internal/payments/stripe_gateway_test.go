package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/crumb-backend/internal/payments/stripetest"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

type fakeStripe struct {
	sessionParams []*stripe.CheckoutSessionParams
	captureIDs    []string
	captureKeys   []string
	cancelIDs     []string
	refundParams  []*stripe.RefundParams
	expireIDs     []string
	sessionStatus stripe.CheckoutSessionStatus
	failures      []error
}

func (f *fakeStripe) nextFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeStripe) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.sessionParams = append(f.sessionParams, params)
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func (f *fakeStripe) CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	f.captureIDs = append(f.captureIDs, id)
	if params.IdempotencyKey != nil {
		f.captureKeys = append(f.captureKeys, *params.IdempotencyKey)
	}
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func (f *fakeStripe) CancelPaymentIntent(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.cancelIDs = append(f.cancelIDs, id)
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

func (f *fakeStripe) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.refundParams = append(f.refundParams, params)
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded, Amount: *params.Amount}, nil
}

func (f *fakeStripe) GetCheckoutSession(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	status := f.sessionStatus
	if status == "" {
		status = stripe.CheckoutSessionStatusOpen
	}
	return &stripe.CheckoutSession{ID: id, Status: status}, nil
}

func (f *fakeStripe) ExpireCheckoutSession(id string, _ *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error) {
	f.expireIDs = append(f.expireIDs, id)
	if err := f.nextFailure(); err != nil {
		return nil, err
	}
	return &stripe.CheckoutSession{ID: id, Status: stripe.CheckoutSessionStatusExpired}, nil
}

// blockingStripe holds every capture until the caller's context ends.
type blockingStripe struct {
	fakeStripe
}

func (b *blockingStripe) CapturePaymentIntent(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	b.captureIDs = append(b.captureIDs, id)
	<-params.Context.Done()
	return nil, params.Context.Err()
}

const testTimeout = time.Second

func TestCreateCheckoutSessionManualCaptureCarriesMetadata(t *testing.T) {
	api := &fakeStripe{}
	gw := newStripeGateway(api, "whsec_test", testTimeout, nil, nil)
	orderID := uuid.New()

	sess, err := gw.CreateCheckoutSession(context.Background(), CheckoutRequest{
		OrderID:       orderID,
		OrderNumber:   "CRB-20260301-ABC123",
		Leg:           enums.PaymentLegFull,
		AmountCents:   6050,
		Currency:      "USD",
		CaptureMethod: enums.CaptureManual,
		SuccessURL:    "https://crumb.example/thanks",
		CancelURL:     "https://crumb.example/cart",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", sess.ID)

	require.Len(t, api.sessionParams, 1)
	params := api.sessionParams[0]
	require.Equal(t, "manual", *params.PaymentIntentData.CaptureMethod)
	require.Equal(t, orderID.String(), params.PaymentIntentData.Metadata[MetadataOrderID])
	require.Equal(t, "full", params.PaymentIntentData.Metadata[MetadataPaymentLeg])
	require.Equal(t, orderID.String(), params.Metadata[MetadataOrderID])
	require.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
	require.Equal(t, int64(6050), *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, CheckoutKey(orderID, enums.PaymentLegFull), *params.IdempotencyKey)
}

func TestCreateCheckoutSessionRejectsZeroAmount(t *testing.T) {
	gw := newStripeGateway(&fakeStripe{}, "", testTimeout, nil, nil)
	_, err := gw.CreateCheckoutSession(context.Background(), CheckoutRequest{OrderID: uuid.New()})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestCaptureMakesOneAttemptOnTransientFailure(t *testing.T) {
	api := &fakeStripe{failures: []error{
		&stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "try again"},
	}}
	gw := newStripeGateway(api, "", testTimeout, nil, nil)

	err := gw.Capture(context.Background(), "pi_123")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))
	require.True(t, pkgerrors.IsRetryable(err))
	require.True(t, IsOutcomeUnknown(err))
	require.Len(t, api.captureIDs, 1)

	require.NoError(t, gw.Capture(context.Background(), "pi_123"))
	require.Equal(t, []string{"capture:pi_123", "capture:pi_123"}, api.captureKeys)
}

func TestCaptureRejectionIsNotRetryable(t *testing.T) {
	api := &fakeStripe{failures: []error{
		&stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: "payment_intent_unexpected_state"},
	}}
	gw := newStripeGateway(api, "", testTimeout, nil, nil)

	err := gw.Capture(context.Background(), "pi_123")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayRejected))
	require.False(t, pkgerrors.IsRetryable(err))
	require.False(t, IsOutcomeUnknown(err))
	require.Len(t, api.captureIDs, 1)
}

func TestThrottledCallIsRetryableWithKnownOutcome(t *testing.T) {
	api := &fakeStripe{failures: []error{
		&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "slow down"},
	}}
	gw := newStripeGateway(api, "", testTimeout, nil, nil)

	err := gw.Cancel(context.Background(), "pi_9")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))
	require.False(t, IsOutcomeUnknown(err))
	require.Len(t, api.cancelIDs, 1)
}

func TestCallTimeoutBoundsSlowCapture(t *testing.T) {
	api := &blockingStripe{}
	gw := newStripeGateway(api, "", 20*time.Millisecond, nil, nil)

	start := time.Now()
	err := gw.Capture(context.Background(), "pi_slow")
	require.Less(t, time.Since(start), testTimeout)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))
	require.True(t, IsOutcomeUnknown(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpireCheckoutSession(t *testing.T) {
	api := &fakeStripe{}
	gw := newStripeGateway(api, "", testTimeout, nil, nil)

	expired, err := gw.ExpireCheckoutSession(context.Background(), "cs_open")
	require.NoError(t, err)
	require.True(t, expired)
	require.Equal(t, []string{"cs_open"}, api.expireIDs)

	api.sessionStatus = stripe.CheckoutSessionStatusComplete
	expired, err = gw.ExpireCheckoutSession(context.Background(), "cs_paid")
	require.NoError(t, err)
	require.False(t, expired)

	api.sessionStatus = stripe.CheckoutSessionStatusExpired
	expired, err = gw.ExpireCheckoutSession(context.Background(), "cs_gone")
	require.NoError(t, err)
	require.True(t, expired)
	require.Len(t, api.expireIDs, 1)
}

func TestRefundUsesCallerKey(t *testing.T) {
	api := &fakeStripe{}
	gw := newStripeGateway(api, "", testTimeout, nil, nil)

	res, err := gw.Refund(context.Background(), RefundRequest{
		OrderID:         uuid.New(),
		PaymentIntentID: "pi_1",
		AmountCents:     1500,
		IdempotencyKey:  "refund:abc:1500",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1500), res.AmountCents)
	require.Equal(t, "refund:abc:1500", *api.refundParams[0].IdempotencyKey)
	require.Equal(t, "pi_1", *api.refundParams[0].PaymentIntent)
}

func TestVerifyWebhookSignature(t *testing.T) {
	gw := newStripeGateway(&fakeStripe{}, "whsec_test", testTimeout, nil, nil)
	payload := stripetest.Event(t, "evt_1", "checkout.session.completed", map[string]any{"id": "cs_1", "object": "checkout.session"})

	event, err := gw.VerifyWebhookSignature(payload, stripetest.Sign(payload, "whsec_test", time.Now()))
	require.NoError(t, err)
	require.Equal(t, "evt_1", event.ID)

	_, err = gw.VerifyWebhookSignature(payload, stripetest.Sign(payload, "whsec_other", time.Now()))
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignature))
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(context.Canceled))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.True(t, IsTransient(errors.New("dial tcp: timeout")))
	require.True(t, IsTransient(&stripe.Error{HTTPStatusCode: http.StatusBadGateway}))
	require.False(t, IsTransient(&stripe.Error{HTTPStatusCode: http.StatusPaymentRequired}))
}

func TestIsOutcomeUnknown(t *testing.T) {
	require.False(t, IsOutcomeUnknown(nil))
	require.True(t, IsOutcomeUnknown(context.Canceled))
	require.True(t, IsOutcomeUnknown(errors.New("connection reset")))
	require.True(t, IsOutcomeUnknown(&stripe.Error{HTTPStatusCode: http.StatusInternalServerError}))
	require.False(t, IsOutcomeUnknown(&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}))
	require.False(t, IsOutcomeUnknown(&stripe.Error{HTTPStatusCode: http.StatusBadRequest}))
	require.False(t, IsOutcomeUnknown(pkgerrors.New(pkgerrors.CodeGatewayRejected, "capture failed")))
}
