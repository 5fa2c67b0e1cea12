package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/internal/payments"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

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

// LegPaidInput reports a completed checkout for one deposit leg.
type LegPaidInput struct {
	OrderID         uuid.UUID
	SessionID       string
	PaymentIntentID string
	AmountCents     int64
	Raw             json.RawMessage
}

type ServiceParams struct {
	DB       txRunner
	Orders   orders.Repository
	Machine  transitioner
	Notifier notifier
	Outbox   outboxEmitter
	Gateway  payments.Gateway
	Config   config.DepositsConfig
	Stripe   config.StripeConfig
	Logger   *logger.Logger
}

// Service runs the two-leg payment variant for cake orders. Each leg carries
// its own paid flag, so either leg's webhook can be replayed on its own.
type Service struct {
	db       txRunner
	orders   orders.Repository
	machine  transitioner
	notifier notifier
	outbox   outboxEmitter
	gateway  payments.Gateway
	cfg      config.DepositsConfig
	stripe   config.StripeConfig
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.DB == nil:
		return nil, fmt.Errorf("db required")
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
	cfg := p.Config
	if cfg.MinPercentage == 0 && cfg.MaxPercentage == 0 {
		cfg.MinPercentage, cfg.MaxPercentage = 10, 90
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:       p.DB,
		orders:   p.Orders,
		machine:  p.Machine,
		notifier: p.Notifier,
		outbox:   p.Outbox,
		gateway:  p.Gateway,
		cfg:      cfg,
		stripe:   p.Stripe,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateDeposit splits a pending cake order into a deposit and a remaining
// balance. The deposit_split flag flips in a conditional update, so only one
// split per order ever succeeds, and never after a full-amount checkout
// session was opened.
func (s *Service) CreateDeposit(ctx context.Context, orderID uuid.UUID, percentage int) (*orders.OrderDTO, error) {
	if percentage < s.cfg.MinPercentage || percentage > s.cfg.MaxPercentage {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "deposit percentage must be between %d and %d", s.cfg.MinPercentage, s.cfg.MaxPercentage)
	}

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		res := tx.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND status = ? AND has_cake = ? AND deposit_split = ?", orderID, enums.OrderStatusPending, true, false).
			Where("NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = orders.id AND p.checkout_session_id IS NOT NULL)").
			Updates(map[string]any{"deposit_split": true, "updated_at": now})
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "claim deposit split")
		}

		order, err := s.load(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return splitRefusal(order)
		}

		depositCents, remainingCents := Split(order.TotalCents, percentage)
		deposit := &models.CakeDeposit{
			OrderID:        order.ID,
			Percentage:     percentage,
			DepositCents:   depositCents,
			RemainingCents: remainingCents,
		}
		if err := tx.WithContext(ctx).Create(deposit).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create deposit")
		}

		if _, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDepositCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{Actor: enums.ActorCustomer},
			Data: payloads.DepositCreatedEvent{
				OrderID:        order.ID,
				Percentage:     percentage,
				DepositCents:   depositCents,
				RemainingCents: remainingCents,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit deposit created")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"order_id": orderID.String(), "percentage": percentage}), "deposit created")
	return s.get(ctx, orderID)
}

// CheckoutDeposit opens the gateway session for the deposit leg.
func (s *Service) CheckoutDeposit(ctx context.Context, orderID uuid.UUID) (*orders.CheckoutDTO, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, orderID)
	}
	deposit := order.Deposit
	switch {
	case deposit == nil:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no deposit split")
	case deposit.DepositPaid:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "deposit already paid")
	case order.Status != enums.OrderStatusPending:
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "order is %s; deposit checkout is only open while PENDING", order.Status)
	}
	return s.checkout(ctx, order, enums.PaymentLegDeposit, deposit.DepositCents)
}

// CheckoutRemaining opens the session for the balance once the deposit is paid.
func (s *Service) CheckoutRemaining(ctx context.Context, orderID uuid.UUID) (*orders.CheckoutDTO, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, orderID)
	}
	deposit := order.Deposit
	switch {
	case deposit == nil:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no deposit split")
	case !deposit.DepositPaid:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "deposit must be paid before the remaining balance")
	case deposit.RemainingPaid:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "remaining balance already paid")
	}
	switch order.Status {
	case enums.OrderStatusConfirmed, enums.OrderStatusPreparing, enums.OrderStatusReady, enums.OrderStatusCompleted:
	default:
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "order is %s; the remaining balance cannot be paid", order.Status)
	}
	return s.checkout(ctx, order, enums.PaymentLegRemaining, deposit.RemainingCents)
}

func (s *Service) checkout(ctx context.Context, order *models.Order, leg enums.PaymentLeg, amount int64) (*orders.CheckoutDTO, error) {
	session, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Leg:           leg,
		AmountCents:   amount,
		Currency:      order.Currency,
		Description:   fmt.Sprintf("Order %s (%s)", order.OrderNumber, leg),
		CustomerEmail: order.CustomerEmail,
		CaptureMethod: enums.CaptureAutomatic,
		SuccessURL:    payments.ExpandReturnURL(s.stripe.SuccessURL, order.OrderNumber),
		CancelURL:     payments.ExpandReturnURL(s.stripe.CancelURL, order.OrderNumber),
	})
	if err != nil {
		return nil, err
	}

	sessionColumn, paidColumn := "deposit_session_id", "deposit_paid"
	if leg == enums.PaymentLegRemaining {
		sessionColumn, paidColumn = "remaining_session_id", "remaining_paid"
	}
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).Model(&models.CakeDeposit{}).
			Where("order_id = ? AND "+paidColumn+" = ?", order.ID, false).
			Updates(map[string]any{sessionColumn: session.ID, "updated_at": s.now()})
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "store leg session")
		}
		if res.RowsAffected == 0 {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "%s leg already paid", leg)
		}
		_, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
			Kind:        enums.NotificationDepositPaymentLink,
			Order:       order,
			Leg:         leg,
			CheckoutURL: session.URL,
			AmountCents: amount,
			Actor:       &outbox.ActorRef{Actor: enums.ActorCustomer},
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment link")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &orders.CheckoutDTO{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Leg:         leg,
		SessionID:   session.ID,
		CheckoutURL: session.URL,
		AmountCents: amount,
	}, nil
}

// MarkDepositPaid records the deposit leg and confirms a pending order.
// A replay finds deposit_paid already set and changes nothing.
func (s *Service) MarkDepositPaid(ctx context.Context, input LegPaidInput) (*orders.ChangeResult, error) {
	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		updates := map[string]any{"deposit_paid": true, "deposit_paid_at": now, "updated_at": now}
		if input.PaymentIntentID != "" {
			updates["deposit_payment_intent_id"] = input.PaymentIntentID
		}
		if input.SessionID != "" {
			updates["deposit_session_id"] = input.SessionID
		}
		res := tx.WithContext(ctx).Model(&models.CakeDeposit{}).
			Where("order_id = ? AND deposit_paid = ?", input.OrderID, false).
			Updates(updates)
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "record deposit payment")
		}

		order, err := s.load(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			if order.Deposit == nil {
				return pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s has no deposit split", order.ID)
			}
			return nil
		}
		applied = true

		confirmed := false
		if order.Status == enums.OrderStatusPending {
			result, err := s.machine.Apply(ctx, tx, orders.TransitionRequest{
				OrderID: order.ID,
				From:    enums.OrderStatusPending,
				To:      enums.OrderStatusConfirmed,
				Actor:   enums.ActorWebhook,
				ActorID: input.PaymentIntentID,
				Reason:  "deposit paid",
			})
			if err != nil {
				return err
			}
			confirmed = result.Applied
		} else {
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"order_id": order.ID.String(), "status": order.Status}),
				"deposit paid on an order that is no longer pending")
		}

		amount := input.AmountCents
		if amount == 0 && order.Deposit != nil {
			amount = order.Deposit.DepositCents
		}
		if err := s.emitLeg(ctx, tx, order.ID, input.PaymentIntentID, enums.PaymentLegDeposit, amount); err != nil {
			return err
		}

		fresh, err := s.load(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		actor := &outbox.ActorRef{Actor: enums.ActorWebhook, ID: input.PaymentIntentID}
		if confirmed {
			if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{Kind: enums.NotificationOrderConfirmed, Order: fresh, Actor: actor}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue order confirmed")
			}
		}
		if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
			Kind:        enums.NotificationPaymentReceived,
			Order:       fresh,
			Leg:         enums.PaymentLegDeposit,
			AmountCents: amount,
			Actor:       actor,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment received")
		}
		return s.flagCancelled(ctx, tx, fresh, enums.PaymentLegDeposit, amount, input.PaymentIntentID)
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, input.OrderID, applied)
}

// MarkFinalPaid records the remaining leg. A CONFIRMED order moves to PAID;
// an order already in production keeps its status and only gains the payment.
func (s *Service) MarkFinalPaid(ctx context.Context, input LegPaidInput) (*orders.ChangeResult, error) {
	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		updates := map[string]any{"remaining_paid": true, "remaining_paid_at": now, "updated_at": now}
		if input.PaymentIntentID != "" {
			updates["remaining_payment_intent_id"] = input.PaymentIntentID
		}
		if input.SessionID != "" {
			updates["remaining_session_id"] = input.SessionID
		}
		res := tx.WithContext(ctx).Model(&models.CakeDeposit{}).
			Where("order_id = ? AND deposit_paid = ? AND remaining_paid = ?", input.OrderID, true, false).
			Updates(updates)
		if res.Error != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "record remaining payment")
		}

		order, err := s.load(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			if order.Deposit == nil {
				return pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s has no deposit split", order.ID)
			}
			if !order.Deposit.DepositPaid {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "remaining balance paid before the deposit")
			}
			return nil
		}
		applied = true

		switch order.Status {
		case enums.OrderStatusConfirmed:
			if _, err := s.machine.Apply(ctx, tx, orders.TransitionRequest{
				OrderID: order.ID,
				From:    enums.OrderStatusConfirmed,
				To:      enums.OrderStatusPaid,
				Actor:   enums.ActorWebhook,
				ActorID: input.PaymentIntentID,
				Reason:  "remaining balance paid",
			}); err != nil {
				return err
			}
		case enums.OrderStatusPreparing, enums.OrderStatusReady, enums.OrderStatusCompleted:
		default:
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{"order_id": order.ID.String(), "status": order.Status}),
				"remaining balance paid on an order outside the payable states")
		}

		if err := tx.WithContext(ctx).Model(&models.Payment{}).
			Where("order_id = ? AND status = ?", order.ID, enums.PaymentStatusPending).
			Updates(map[string]any{"status": enums.PaymentStatusSucceeded, "captured_at": now, "updated_at": now}).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settle payment")
		}

		amount := input.AmountCents
		if amount == 0 && order.Deposit != nil {
			amount = order.Deposit.RemainingCents
		}
		if err := s.emitLeg(ctx, tx, order.ID, input.PaymentIntentID, enums.PaymentLegRemaining, amount); err != nil {
			return err
		}

		fresh, err := s.load(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
			Kind:        enums.NotificationPaymentReceived,
			Order:       fresh,
			Leg:         enums.PaymentLegRemaining,
			AmountCents: amount,
			Actor:       &outbox.ActorRef{Actor: enums.ActorWebhook, ID: input.PaymentIntentID},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment received")
		}
		return s.flagCancelled(ctx, tx, fresh, enums.PaymentLegRemaining, amount, input.PaymentIntentID)
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, input.OrderID, applied)
}

// flagCancelled hands money that landed on a cancelled order to staff.
func (s *Service) flagCancelled(ctx context.Context, tx *gorm.DB, order *models.Order, leg enums.PaymentLeg, amount int64, paymentIntentID string) error {
	if order.Status != enums.OrderStatusCancelled {
		return nil
	}
	if _, err := s.notifier.Enqueue(ctx, tx, notifications.Request{
		Kind:        enums.NotificationPaymentOnCancelled,
		Order:       order,
		Leg:         leg,
		Reason:      "payment captured after cancellation; refund it",
		AmountCents: amount,
		Actor:       &outbox.ActorRef{Actor: enums.ActorWebhook, ID: paymentIntentID},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue payment on cancelled order")
	}
	return nil
}

func (s *Service) emitLeg(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, paymentIntentID string, leg enums.PaymentLeg, amount int64) error {
	_, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Actor:         &outbox.ActorRef{Actor: enums.ActorWebhook, ID: paymentIntentID},
		Data: payloads.PaymentRecordedEvent{
			OrderID:         orderID,
			PaymentIntentID: paymentIntentID,
			Leg:             leg,
			Status:          enums.PaymentStatusSucceeded,
			AmountCents:     amount,
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment recorded")
	}
	return nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.WithTx(tx).FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, orderID)
	}
	return order, nil
}

func (s *Service) get(ctx context.Context, orderID uuid.UUID) (*orders.OrderDTO, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, orderID)
	}
	return orders.NewOrderDTO(order), nil
}

func (s *Service) changeResult(ctx context.Context, orderID uuid.UUID, applied bool) (*orders.ChangeResult, error) {
	dto, err := s.get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &orders.ChangeResult{Order: dto, Applied: applied}, nil
}

func splitRefusal(order *models.Order) error {
	switch {
	case order.DepositSplit:
		return pkgerrors.New(pkgerrors.CodeConflict, "order already has a deposit split")
	case !order.HasCake:
		return pkgerrors.New(pkgerrors.CodeValidation, "only orders with a cake can be split into a deposit")
	case order.Status == enums.OrderStatusPending && order.Payment != nil && order.Payment.CheckoutSessionID != nil:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "a checkout for the full amount is already open")
	default:
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order is %s; deposits can only be created while PENDING", order.Status)
	}
}

func mapFindError(err error, orderID uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, "order %s not found", orderID)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
}
