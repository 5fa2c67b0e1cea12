package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

var transitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusDraft:           {enums.OrderStatusPending, enums.OrderStatusCancelled},
	enums.OrderStatusPending:         {enums.OrderStatusPendingApproval, enums.OrderStatusPaid, enums.OrderStatusConfirmed, enums.OrderStatusCancelled},
	enums.OrderStatusPendingApproval: {enums.OrderStatusConfirmed, enums.OrderStatusCancelled},
	enums.OrderStatusPaid:            {enums.OrderStatusConfirmed, enums.OrderStatusPreparing, enums.OrderStatusCancelled, enums.OrderStatusRefunded},
	enums.OrderStatusConfirmed:       {enums.OrderStatusPaid, enums.OrderStatusPreparing, enums.OrderStatusCancelled, enums.OrderStatusRefunded},
	enums.OrderStatusPreparing:       {enums.OrderStatusReady, enums.OrderStatusCancelled, enums.OrderStatusRefunded},
	enums.OrderStatusReady:           {enums.OrderStatusCompleted, enums.OrderStatusRefunded},
	enums.OrderStatusCompleted:       {enums.OrderStatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the order graph.
func CanTransition(from, to enums.OrderStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

type stockReleaser interface {
	ReleaseOrder(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error)
}

// TransitionRequest moves one order from an expected status to a target.
type TransitionRequest struct {
	OrderID uuid.UUID
	From    enums.OrderStatus
	To      enums.OrderStatus
	Actor   enums.Actor
	ActorID string
	Reason  string
	// DecisionToken additionally requires the order to hold this approval claim.
	DecisionToken string
}

// TransitionResult reports what Apply did. Applied is false when another
// writer moved the order first; that is a no-op, not a failure.
type TransitionResult struct {
	Applied       bool
	From          enums.OrderStatus
	To            enums.OrderStatus
	StockReleased int
}

// StateMachine applies guarded status changes inside a caller transaction.
// Only the transaction whose conditional update matches releases stock, so a
// cancellation restores inventory once no matter how many actors race on it.
type StateMachine struct {
	stock   stockReleaser
	outbox  outboxEmitter
	metrics *metrics.OrderMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewStateMachine(stock stockReleaser, emitter outboxEmitter, m *metrics.OrderMetrics, logg *logger.Logger) *StateMachine {
	if logg == nil {
		logg = logger.Nop()
	}
	return &StateMachine{
		stock:   stock,
		outbox:  emitter,
		metrics: m,
		logg:    logg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *StateMachine) Apply(ctx context.Context, tx *gorm.DB, req TransitionRequest) (TransitionResult, error) {
	result := TransitionResult{From: req.From, To: req.To}
	if !CanTransition(req.From, req.To) {
		return result, pkgerrors.Newf(pkgerrors.CodeStateConflict, "cannot move order from %s to %s", req.From, req.To)
	}

	now := m.now()
	updates := map[string]any{
		"status":             req.To,
		"updated_at":         now,
		"decision_token":     nil,
		"decision_locked_at": nil,
		"decision_action":    nil,
	}
	if column := timestampColumn(req.To); column != "" {
		updates[column] = now
	}
	if req.To == enums.OrderStatusCancelled && req.Reason != "" {
		updates["cancel_reason"] = req.Reason
	}

	q := tx.WithContext(ctx).Model(&models.Order{}).Where("id = ? AND status = ?", req.OrderID, req.From)
	if req.DecisionToken != "" {
		q = q.Where("decision_token = ?", req.DecisionToken)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update order status")
	}
	if res.RowsAffected == 0 {
		return result, nil
	}
	result.Applied = true

	if req.To == enums.OrderStatusCancelled {
		released, err := m.stock.ReleaseOrder(ctx, tx, req.OrderID)
		if err != nil {
			return result, err
		}
		result.StockReleased = released
	}

	if _, err := m.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   req.OrderID,
		Actor:         &outbox.ActorRef{Actor: req.Actor, ID: req.ActorID},
		Data: payloads.OrderStatusChangedEvent{
			OrderID:       req.OrderID,
			From:          req.From,
			To:            req.To,
			Reason:        req.Reason,
			StockReleased: result.StockReleased > 0,
			ChangedAt:     now,
		},
	}); err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit status change")
	}

	m.metrics.IncTransition(string(req.From), string(req.To))
	logCtx := m.logg.WithFields(ctx, map[string]any{
		"order_id": req.OrderID.String(),
		"from":     req.From,
		"to":       req.To,
		"actor":    req.Actor,
	})
	m.logg.Info(logCtx, "order status changed")
	return result, nil
}

func timestampColumn(status enums.OrderStatus) string {
	switch status {
	case enums.OrderStatusPaid:
		return "paid_at"
	case enums.OrderStatusConfirmed:
		return "confirmed_at"
	case enums.OrderStatusCompleted:
		return "completed_at"
	case enums.OrderStatusCancelled:
		return "cancelled_at"
	case enums.OrderStatusRefunded:
		return "refunded_at"
	default:
		return ""
	}
}
