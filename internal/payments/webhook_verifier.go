package payments

import "github.com/stripe/stripe-go/v84"

// WebhookVerifier checks Stripe-Signature headers against a signing secret
// without needing API credentials.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

func (v *WebhookVerifier) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	return verifyEvent(payload, signature, v.secret)
}
