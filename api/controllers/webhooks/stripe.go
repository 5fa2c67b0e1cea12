package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/angelmondragon/crumb-backend/api/responses"
	stripewebhook "github.com/angelmondragon/crumb-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

// maxPayloadBytes matches the gateway's documented event size ceiling.
const maxPayloadBytes = 64 << 10

const signatureHeader = "Stripe-Signature"

// EventReconciler applies one signed gateway delivery.
type EventReconciler interface {
	Handle(ctx context.Context, payload []byte, signature string) (stripewebhook.Outcome, error)
}

type webhookAck struct {
	Outcome stripewebhook.Outcome `json:"outcome"`
}

// StripeWebhook verifies and reconciles gateway events. Unverifiable deliveries get
// a 400; anything applied, already applied or ignored gets a 200; failures surface
// as 5xx so the gateway redelivers.
func StripeWebhook(svc EventReconciler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook reconciler unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "webhook payload too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get(signatureHeader)
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignature, "stripe signature missing"))
			return
		}

		outcome, err := svc.Handle(ctx, payload, sigHeader)
		if err != nil {
			if !pkgerrors.IsCode(err, pkgerrors.CodeSignature) && !pkgerrors.IsRetryable(err) {
				// every failure past verification must answer 5xx
				err = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reconcile webhook")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, webhookAck{Outcome: outcome})
	}
}
