package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/api/middleware"
	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/api/validators"
	internalorders "github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

const maxReasonLength = 500

// OrderService is the order lifecycle surface the HTTP layer drives.
type OrderService interface {
	CreateOrder(ctx context.Context, input internalorders.CreateOrderInput) (*internalorders.OrderDTO, error)
	Get(ctx context.Context, orderID uuid.UUID) (*internalorders.OrderDTO, error)
	StartCheckout(ctx context.Context, orderID uuid.UUID) (*internalorders.CheckoutDTO, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID, reason string) (*internalorders.ChangeResult, error)
	Transition(ctx context.Context, input internalorders.TransitionInput) (*internalorders.ChangeResult, error)
	Refund(ctx context.Context, input internalorders.RefundInput) (*internalorders.ChangeResult, error)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Create places a new order and reserves its stock.
func Create(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "order service unavailable"))
			return
		}

		var input internalorders.CreateOrderInput
		if err := validators.DecodeJSONBody(r, &input); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.CreateOrder(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, order)
	}
}

func Get(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}

// Checkout opens a gateway session for the full order amount.
func Checkout(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		session, err := svc.StartCheckout(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, session)
	}
}

// Cancel lets the customer abandon an unpaid order.
func Cancel(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req reasonRequest
		if err := validators.DecodeOptionalJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		reason := validators.SanitizeString(req.Reason, maxReasonLength)
		if reason == "" {
			reason = "cancelled by customer"
		}

		actor, actorID := middleware.ActorFromContext(r.Context())
		result, err := svc.Cancel(r.Context(), orderID, actor, actorID, reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
