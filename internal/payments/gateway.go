package payments

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// Metadata keys stamped on every checkout session and payment intent.
const (
	MetadataOrderID       = "order_id"
	MetadataOrderNumber   = "order_number"
	MetadataPaymentLeg    = "payment_leg"
	MetadataCaptureMethod = "capture_method"
)

// CheckoutRequest asks the gateway to collect AmountCents for one leg of an order.
type CheckoutRequest struct {
	OrderID       uuid.UUID
	OrderNumber   string
	Leg           enums.PaymentLeg
	AmountCents   int64
	Currency      string
	Description   string
	CustomerEmail string
	CaptureMethod enums.CaptureMethod
	SuccessURL    string
	CancelURL     string
}

type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// RefundRequest returns AmountCents of a captured payment intent.
type RefundRequest struct {
	OrderID         uuid.UUID
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

type RefundResult struct {
	ID          string
	Status      string
	AmountCents int64
}

// Gateway is the payment provider surface used by the order engine.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// ExpireCheckoutSession closes an unpaid session; false means it was already completed.
	ExpireCheckoutSession(ctx context.Context, sessionID string) (bool, error)
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// CheckoutKey is the idempotency key for one leg's checkout session.
func CheckoutKey(orderID uuid.UUID, leg enums.PaymentLeg) string {
	return "checkout:" + orderID.String() + ":" + string(leg)
}

func CaptureKey(paymentIntentID string) string {
	return "capture:" + paymentIntentID
}

func CancelKey(paymentIntentID string) string {
	return "cancel:" + paymentIntentID
}

func ExpireKey(sessionID string) string {
	return "expire:" + sessionID
}

// RefundKey scopes a refund to the cumulative amount it brings the order to,
// so retrying the same refund never returns money twice.
func RefundKey(orderID uuid.UUID, cumulativeCents int64) string {
	return "refund:" + orderID.String() + ":" + strconv.FormatInt(cumulativeCents, 10)
}

// ExpandReturnURL fills the {ORDER_NUMBER} placeholder of a success or cancel URL.
func ExpandReturnURL(template, orderNumber string) string {
	return strings.ReplaceAll(template, "{ORDER_NUMBER}", url.PathEscape(orderNumber))
}
