package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/api/validators"
	internalorders "github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

// DepositService splits cake orders into a deposit and a remaining balance.
type DepositService interface {
	CreateDeposit(ctx context.Context, orderID uuid.UUID, percentage int) (*internalorders.OrderDTO, error)
	CheckoutDeposit(ctx context.Context, orderID uuid.UUID) (*internalorders.CheckoutDTO, error)
	CheckoutRemaining(ctx context.Context, orderID uuid.UUID) (*internalorders.CheckoutDTO, error)
}

type depositRequest struct {
	Percentage int `json:"percentage" validate:"required,min=1,max=99"`
}

// CreateDeposit splits a pending cake order. The accepted percentage range is
// enforced by the service from configuration.
func CreateDeposit(svc DepositService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req depositRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.CreateDeposit(r.Context(), orderID, req.Percentage)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, order)
	}
}

func DepositCheckout(svc DepositService, logg *logger.Logger) http.HandlerFunc {
	return legCheckout(svc.CheckoutDeposit, logg)
}

func RemainingCheckout(svc DepositService, logg *logger.Logger) http.HandlerFunc {
	return legCheckout(svc.CheckoutRemaining, logg)
}

func legCheckout(open func(context.Context, uuid.UUID) (*internalorders.CheckoutDTO, error), logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := open(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, session)
	}
}
