package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/internal/payments"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

const defaultLease = 2 * time.Minute

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type transitioner interface {
	Apply(ctx context.Context, tx *gorm.DB, req orders.TransitionRequest) (orders.TransitionResult, error)
}

type notifier interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req notifications.Request) (bool, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error)
}

// Decision is one approve or reject attempt from any actor.
type Decision struct {
	OrderID uuid.UUID
	Actor   enums.Actor
	ActorID string
	Approve bool
	Reason  string
}

// Result reports whether this attempt decided the order. A lost race is not
// an error: Applied is false and Message says what the order already is.
type Result struct {
	Order   *orders.OrderDTO `json:"order"`
	Applied bool             `json:"applied"`
	Message string           `json:"message,omitempty"`
}

type ServiceParams struct {
	DB       txRunner
	Store    Store
	Orders   orders.Repository
	Machine  transitioner
	Notifier notifier
	Outbox   outboxEmitter
	Gateway  payments.Gateway
	Lease    time.Duration
	Metrics  *metrics.OrderMetrics
	Logger   *logger.Logger
}

// Service serializes approval decisions for orders holding an authorization.
// Only the decider that claims the order talks to the gateway.
type Service struct {
	db       txRunner
	store    Store
	orders   orders.Repository
	machine  transitioner
	notifier notifier
	outbox   outboxEmitter
	gateway  payments.Gateway
	lease    time.Duration
	metrics  *metrics.OrderMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.DB == nil:
		return nil, fmt.Errorf("db required")
	case p.Store == nil:
		return nil, fmt.Errorf("decision store required")
	case p.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case p.Machine == nil:
		return nil, fmt.Errorf("state machine required")
	case p.Notifier == nil:
		return nil, fmt.Errorf("notifier required")
	case p.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case p.Gateway == nil:
		return nil, fmt.Errorf("payment gateway required")
	}
	lease := p.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:       p.DB,
		store:    p.Store,
		orders:   p.Orders,
		machine:  p.Machine,
		notifier: p.Notifier,
		outbox:   p.Outbox,
		gateway:  p.Gateway,
		lease:    lease,
		metrics:  p.Metrics,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) Approve(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID string) (*Result, error) {
	return s.Decide(ctx, Decision{OrderID: orderID, Actor: actor, ActorID: actorID, Approve: true})
}

func (s *Service) Reject(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID, reason string) (*Result, error) {
	return s.Decide(ctx, Decision{OrderID: orderID, Actor: actor, ActorID: actorID, Reason: reason})
}

// Decide claims the order, moves the authorization at the gateway and then
// finalizes the transition under the claim token. The gateway call must end
// inside the lease. A refused call releases the claim and leaves the order
// PENDING_APPROVAL for any decider. A call with an unknown outcome keeps the
// claim, so once it goes stale only the same move can pick the order up.
func (s *Service) Decide(ctx context.Context, d Decision) (*Result, error) {
	if d.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if d.Actor != enums.ActorAdmin && d.Actor != enums.ActorBot {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "%s cannot decide approvals", d.Actor)
	}
	d.Reason = strings.TrimSpace(d.Reason)
	if !d.Approve && d.Reason == "" {
		d.Reason = fmt.Sprintf("rejected by %s", d.Actor)
	}

	ctx = s.logg.WithOrderID(ctx, d.OrderID.String())
	ctx = s.logg.WithActor(ctx, string(d.Actor))

	action := ActionCancel
	if d.Approve {
		action = ActionCapture
	}
	now := s.now()
	token := uuid.NewString()
	claimed, err := s.store.Claim(ctx, d.OrderID, token, action, now, now.Add(-s.lease))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim approval decision")
	}
	if !claimed {
		return s.lost(ctx, d)
	}

	order, err := s.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		s.release(ctx, d.OrderID, token)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.Payment == nil || order.Payment.PaymentIntentID == nil || *order.Payment.PaymentIntentID == "" {
		s.release(ctx, d.OrderID, token)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no authorization to decide on")
	}
	paymentIntentID := *order.Payment.PaymentIntentID

	callCtx, cancel := context.WithTimeout(ctx, s.lease-s.lease/4)
	if d.Approve {
		err = s.gateway.Capture(callCtx, paymentIntentID)
	} else {
		err = s.gateway.Cancel(callCtx, paymentIntentID)
	}
	cancel()
	if err != nil {
		s.metrics.IncDecision(string(d.Actor), "gateway_error")
		if payments.IsOutcomeUnknown(err) {
			s.logg.Warn(s.logg.WithField(ctx, "decision_action", action), "gateway outcome unknown, keeping decision claim")
		} else {
			s.release(ctx, d.OrderID, token)
		}
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeGateway, err, "move authorization")
		}
		return nil, err
	}

	applied := false
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var finalizeErr error
		applied, finalizeErr = s.finalize(ctx, tx, d, token, paymentIntentID, order.Payment.AmountCents)
		return finalizeErr
	})
	if err != nil {
		s.logg.Error(ctx, "authorization moved but decision was not recorded", err)
		return nil, err
	}
	if !applied {
		// the lease ran out mid-decision and a newer claim owns the order
		s.logg.Warn(ctx, "decision claim lost before finalize")
		return s.lost(ctx, d)
	}

	outcome := "approved"
	if !d.Approve {
		outcome = "rejected"
	}
	s.metrics.IncDecision(string(d.Actor), outcome)
	s.logg.Info(s.logg.WithField(ctx, "decision", outcome), "approval decision applied")

	fresh, err := s.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	return &Result{Order: orders.NewOrderDTO(fresh), Applied: true}, nil
}

func (s *Service) finalize(ctx context.Context, tx *gorm.DB, d Decision, token, paymentIntentID string, amount int64) (bool, error) {
	target := enums.OrderStatusConfirmed
	paymentStatus := enums.PaymentStatusSucceeded
	kind := enums.NotificationOrderApproved
	if !d.Approve {
		target = enums.OrderStatusCancelled
		paymentStatus = enums.PaymentStatusCancelled
		kind = enums.NotificationOrderRejected
	}

	result, err := s.machine.Apply(ctx, tx, orders.TransitionRequest{
		OrderID:       d.OrderID,
		From:          enums.OrderStatusPendingApproval,
		To:            target,
		Actor:         d.Actor,
		ActorID:       d.ActorID,
		Reason:        d.Reason,
		DecisionToken: token,
	})
	if err != nil || !result.Applied {
		return false, err
	}

	now := s.now()
	updates := map[string]any{"status": paymentStatus, "updated_at": now}
	if d.Approve {
		updates["captured_at"] = now
	}
	if err := tx.WithContext(ctx).Model(&models.Payment{}).
		Where("order_id = ? AND status = ?", d.OrderID, enums.PaymentStatusAuthorized).
		Updates(updates).Error; err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update payment")
	}

	actor := &outbox.ActorRef{Actor: d.Actor, ID: d.ActorID}
	if _, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregateOrder,
		AggregateID:   d.OrderID,
		Actor:         actor,
		Data: payloads.PaymentRecordedEvent{
			OrderID:         d.OrderID,
			PaymentIntentID: paymentIntentID,
			Leg:             enums.PaymentLegFull,
			Status:          paymentStatus,
			AmountCents:     amount,
		},
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment recorded")
	}

	order, err := s.orders.WithTx(tx).FindByID(ctx, d.OrderID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
		Kind:   kind,
		Order:  order,
		Reason: d.Reason,
		Actor:  actor,
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue decision notification")
	}
	return true, nil
}

// lost describes the order to a decider that did not get the claim.
func (s *Service) lost(ctx context.Context, d Decision) (*Result, error) {
	order, err := s.orders.FindByID(ctx, d.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s not found", d.OrderID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	s.metrics.IncDecision(string(d.Actor), "lost")

	message := "decision in progress"
	if order.Status != enums.OrderStatusPendingApproval {
		message = "already " + strings.ToLower(string(order.Status))
	}
	s.logg.Info(s.logg.WithField(ctx, "status", order.Status), message)
	return &Result{Order: orders.NewOrderDTO(order), Message: message}, nil
}

func (s *Service) release(ctx context.Context, orderID uuid.UUID, token string) {
	if err := s.store.Release(ctx, orderID, token); err != nil {
		s.logg.Error(ctx, "release approval claim", err)
	}
}
