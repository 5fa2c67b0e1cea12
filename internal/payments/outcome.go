package payments

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

// IsTransient reports whether re-issuing the same call later may succeed:
// throttling, provider-side failures, timeouts and transport errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			return true
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return true
		case string(stripeErr.Code) == "lock_timeout":
			return true
		default:
			return false
		}
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeGatewayRejected) {
		return false
	}
	return true
}

// IsOutcomeUnknown reports whether a failed call may still have taken effect
// at the provider. Provider answers in the 4xx range, throttling included,
// mean nothing happened; timeouts, transport errors and 5xx answers do not say.
func IsOutcomeUnknown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == 0 || stripeErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	if pkgerrors.IsCode(err, pkgerrors.CodeGatewayRejected) {
		return false
	}
	return true
}

// gatewayCode maps a failed provider call onto the error code callers see.
func gatewayCode(err error) pkgerrors.Code {
	if IsTransient(err) || IsOutcomeUnknown(err) {
		return pkgerrors.CodeGateway
	}
	return pkgerrors.CodeGatewayRejected
}
