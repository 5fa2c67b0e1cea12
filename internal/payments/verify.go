//go:build !devwebhooks

package payments

import (
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// verifyEvent fails closed: a missing header, a missing secret or a bad
// signature all yield SIGNATURE_INVALID.
func verifyEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeSignature, "webhook signing secret not configured")
	}
	if strings.TrimSpace(signature) == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeSignature, "missing Stripe-Signature header")
	}
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "invalid webhook signature")
	}
	return event, nil
}
