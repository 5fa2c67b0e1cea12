//go:build devwebhooks

package payments

import (
	"encoding/json"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// verifyEvent accepts unsigned payloads so local tools can replay fixtures.
// Only binaries built with -tags devwebhooks contain this path.
func verifyEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	if strings.TrimSpace(signature) == "" || strings.TrimSpace(secret) == "" {
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "decode unsigned webhook")
		}
		return event, nil
	}
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "invalid webhook signature")
	}
	return event, nil
}
