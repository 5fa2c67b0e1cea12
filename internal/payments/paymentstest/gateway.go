// Package paymentstest provides an in-memory payment gateway for service tests.
package paymentstest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/crumb-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// Gateway records every call and answers deterministically. Set the *Err
// fields to make the next calls fail.
type Gateway struct {
	mu sync.Mutex

	Sessions []payments.CheckoutRequest
	Captures []string
	Cancels  []string
	Refunds  []payments.RefundRequest
	Expired  []string

	// Completed lists session ids the customer already paid; they cannot be expired.
	Completed map[string]bool

	CheckoutErr error
	CaptureErr  error
	CancelErr   error
	RefundErr   error
	ExpireErr   error

	// OnCapture runs before a capture returns, letting tests interleave work.
	// A capture whose context ends meanwhile is recorded but reports the
	// context error, like a provider call that timed out after landing.
	OnCapture func(paymentIntentID string)
}

var _ payments.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{Completed: map[string]bool{}}
}

func (g *Gateway) CreateCheckoutSession(_ context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CheckoutErr != nil {
		return nil, g.CheckoutErr
	}
	g.Sessions = append(g.Sessions, req)
	id := fmt.Sprintf("cs_test_%s_%s", strings.ReplaceAll(req.OrderID.String(), "-", "")[:12], req.Leg)
	return &payments.CheckoutSession{
		ID:  id,
		URL: "https://checkout.stripe.test/c/pay/" + id,
	}, nil
}

func (g *Gateway) Capture(ctx context.Context, paymentIntentID string) error {
	g.mu.Lock()
	hook := g.OnCapture
	err := g.CaptureErr
	if err == nil {
		g.Captures = append(g.Captures, paymentIntentID)
	}
	g.mu.Unlock()
	if hook != nil {
		hook(paymentIntentID)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (g *Gateway) Cancel(_ context.Context, paymentIntentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return g.CancelErr
	}
	g.Cancels = append(g.Cancels, paymentIntentID)
	return nil
}

func (g *Gateway) Refund(_ context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RefundErr != nil {
		return nil, g.RefundErr
	}
	g.Refunds = append(g.Refunds, req)
	return &payments.RefundResult{
		ID:          fmt.Sprintf("re_test_%d", len(g.Refunds)),
		Status:      "succeeded",
		AmountCents: req.AmountCents,
	}, nil
}

func (g *Gateway) ExpireCheckoutSession(_ context.Context, sessionID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ExpireErr != nil {
		return false, g.ExpireErr
	}
	if g.Completed[sessionID] {
		return false, nil
	}
	g.Expired = append(g.Expired, sessionID)
	return true, nil
}

func (g *Gateway) VerifyWebhookSignature([]byte, string) (stripe.Event, error) {
	return stripe.Event{}, pkgerrors.New(pkgerrors.CodeSignature, "test gateway does not verify webhooks")
}

// CaptureCount is safe to call while other goroutines drive the gateway.
func (g *Gateway) CaptureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Captures)
}

func (g *Gateway) CancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Cancels)
}

// GatewayError mimics a provider failure whose outcome is unknown, such as a timeout.
func GatewayError(op string) error {
	return pkgerrors.New(pkgerrors.CodeGateway, op+" failed")
}

// RejectedError mimics a definitive provider refusal.
func RejectedError(op string) error {
	return pkgerrors.New(pkgerrors.CodeGatewayRejected, op+" rejected")
}
