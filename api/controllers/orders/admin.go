package orders

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/api/middleware"
	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/api/validators"
	"github.com/angelmondragon/crumb-backend/internal/approvals"
	internalorders "github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

// ApprovalService decides orders held for review. Admin and bot controllers share it.
type ApprovalService interface {
	Approve(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID string) (*approvals.Result, error)
	Reject(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID, reason string) (*approvals.Result, error)
}

type statusRequest struct {
	Status enums.OrderStatus `json:"status" validate:"required"`
	Reason string            `json:"reason" validate:"max=500"`
}

type refundRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"min=0"`
	Reason      string `json:"reason" validate:"max=500"`
}

// AdminApprove captures the held authorization and confirms the order.
func AdminApprove(svc ApprovalService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor, actorID := middleware.ActorFromContext(r.Context())
		result, err := svc.Approve(r.Context(), orderID, actor, actorID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminReject voids the held authorization and cancels the order.
func AdminReject(svc ApprovalService, logg *logger.Logger) http.HandlerFunc {
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

		actor, actorID := middleware.ActorFromContext(r.Context())
		result, err := svc.Reject(r.Context(), orderID, actor, actorID, validators.SanitizeString(req.Reason, maxReasonLength))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminTransition moves an order through the fulfilment statuses.
func AdminTransition(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req statusRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor, actorID := middleware.ActorFromContext(r.Context())
		result, err := svc.Transition(r.Context(), internalorders.TransitionInput{
			OrderID: orderID,
			Target:  req.Status,
			Actor:   actor,
			ActorID: actorID,
			Reason:  validators.SanitizeString(req.Reason, maxReasonLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminRefund returns money on a captured payment. A zero amount refunds the balance.
func AdminRefund(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req refundRequest
		if err := validators.DecodeOptionalJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		actor, actorID := middleware.ActorFromContext(r.Context())
		result, err := svc.Refund(r.Context(), internalorders.RefundInput{
			OrderID:     orderID,
			Actor:       actor,
			ActorID:     actorID,
			AmountCents: req.AmountCents,
			Reason:      validators.SanitizeString(req.Reason, maxReasonLength),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
