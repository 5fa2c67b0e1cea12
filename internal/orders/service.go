package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/catalog"
	"github.com/angelmondragon/crumb-backend/internal/notifications"
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

type stockLedger interface {
	Reserve(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, qty int) error
}

type notifier interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req notifications.Request) (bool, error)
}

// ServiceParams wires the order service.
type ServiceParams struct {
	DB       txRunner
	Repo     Repository
	Catalog  catalog.Lookup
	Stock    stockLedger
	Machine  *StateMachine
	Notifier notifier
	Outbox   outboxEmitter
	Gateway  payments.Gateway
	Orders   config.OrdersConfig
	Stripe   config.StripeConfig
	Logger   *logger.Logger
}

// Service owns order creation, status changes and the full payment leg.
type Service struct {
	db       txRunner
	repo     Repository
	catalog  catalog.Lookup
	stock    stockLedger
	machine  *StateMachine
	notifier notifier
	outbox   outboxEmitter
	gateway  payments.Gateway
	taxRate  decimal.Decimal
	orders   config.OrdersConfig
	stripe   config.StripeConfig
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.DB == nil:
		return nil, fmt.Errorf("db required")
	case p.Repo == nil:
		return nil, fmt.Errorf("orders repository required")
	case p.Catalog == nil:
		return nil, fmt.Errorf("catalog lookup required")
	case p.Stock == nil:
		return nil, fmt.Errorf("inventory ledger required")
	case p.Machine == nil:
		return nil, fmt.Errorf("state machine required")
	case p.Notifier == nil:
		return nil, fmt.Errorf("notifier required")
	case p.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case p.Gateway == nil:
		return nil, fmt.Errorf("payment gateway required")
	}
	rate, err := p.Orders.TaxRateDecimal()
	if err != nil {
		return nil, err
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		db:       p.DB,
		repo:     p.Repo,
		catalog:  p.Catalog,
		stock:    p.Stock,
		machine:  p.Machine,
		notifier: p.Notifier,
		outbox:   p.Outbox,
		gateway:  p.Gateway,
		taxRate:  rate,
		orders:   p.Orders,
		stripe:   p.Stripe,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateOrder validates every line against the catalog, reserves stock and
// persists the order, its items and its payment in one transaction.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*OrderDTO, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	var orderID uuid.UUID
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := s.now()
		order := &models.Order{
			ID:            uuid.New(),
			OrderNumber:   newOrderNumber(s.numberPrefix(), now),
			Status:        enums.OrderStatusPending,
			CustomerID:    input.Customer.ID,
			CustomerName:  strings.TrimSpace(input.Customer.Name),
			CustomerEmail: strings.ToLower(strings.TrimSpace(input.Customer.Email)),
			CustomerPhone: input.Customer.Phone,
			PickupDate:    input.PickupDate,
			PickupSlot:    input.PickupSlot,
			Notes:         input.Notes,
			Currency:      s.currency(),
		}

		lineTotals := make([]int64, 0, len(input.Lines))
		reserved := make([]payloads.ReservedLine, 0, len(input.Lines))
		perProduct := make(map[uuid.UUID]int, len(input.Lines))
		for i, line := range input.Lines {
			variant, err := s.catalog.GetVariant(ctx, tx, line.VariantID)
			if err != nil {
				if catalog.IsNotFound(err) {
					return pkgerrors.Newf(pkgerrors.CodeValidation, "line %d: variant %s does not exist", i+1, line.VariantID)
				}
				return err
			}
			perProduct[variant.ProductID] += line.Quantity
			if err := checkLine(i, line, variant, perProduct[variant.ProductID]); err != nil {
				return err
			}
			if err := s.stock.Reserve(ctx, tx, line.VariantID, line.Quantity); err != nil {
				if pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock) {
					return pkgerrors.Newf(pkgerrors.CodeInsufficientStock, "%s: not enough stock for quantity %d", lineLabel(i, variant), line.Quantity).
						WithDetails(map[string]any{"line": i + 1, "variant_id": line.VariantID.String(), "requested": line.Quantity})
				}
				return err
			}

			lineTotal := variant.PriceCents * int64(line.Quantity)
			lineTotals = append(lineTotals, lineTotal)
			reserved = append(reserved, payloads.ReservedLine{VariantID: line.VariantID, Quantity: line.Quantity})
			order.HasCake = order.HasCake || variant.IsCake
			order.Items = append(order.Items, models.OrderItem{
				ProductID:      variant.ProductID,
				VariantID:      variant.VariantID,
				ProductName:    variant.ProductName,
				VariantName:    variant.VariantName,
				UnitPriceCents: variant.PriceCents,
				Quantity:       line.Quantity,
				LineTotalCents: lineTotal,
				IsCake:         variant.IsCake,
			})
		}

		totals := ComputeTotals(lineTotals, input.DiscountCents, s.taxRate)
		if totals.DiscountCents > totals.SubtotalCents {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "discount %d exceeds subtotal %d", totals.DiscountCents, totals.SubtotalCents)
		}
		order.SubtotalCents = totals.SubtotalCents
		order.DiscountCents = totals.DiscountCents
		order.TaxCents = totals.TaxCents
		order.TotalCents = totals.TotalCents

		capture := enums.CaptureAutomatic
		if order.HasCake {
			capture = enums.CaptureManual
		}
		order.Payment = &models.Payment{
			Provider:      "stripe",
			CaptureMethod: capture,
			AmountCents:   totals.TotalCents,
			Currency:      order.Currency,
			Status:        enums.PaymentStatusPending,
		}

		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		if _, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{Actor: enums.ActorCustomer},
			Data: payloads.OrderCreatedEvent{
				OrderID:     order.ID,
				OrderNumber: order.OrderNumber,
				Status:      order.Status,
				TotalCents:  order.TotalCents,
				HasCake:     order.HasCake,
				Lines:       reserved,
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit order created")
		}
		orderID = order.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	s.logg.Info(logCtx, "order created")
	return s.Get(ctx, orderID)
}

// TransitionInput is a manual status change requested by staff.
type TransitionInput struct {
	OrderID uuid.UUID
	Target  enums.OrderStatus
	Actor   enums.Actor
	ActorID string
	Reason  string
}

// Transition moves an order along the graph. Moving to the current status is a no-op.
// Statuses owned by the payment and approval flows cannot be set directly.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (*ChangeResult, error) {
	if !input.Target.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown status %q", input.Target)
	}
	switch input.Target {
	case enums.OrderStatusPendingApproval, enums.OrderStatusRefunded:
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "%s is set by the payment flow", input.Target)
	case enums.OrderStatusCancelled:
		return s.Cancel(ctx, input.OrderID, input.Actor, input.ActorID, input.Reason)
	}

	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.load(ctx, tx, input.OrderID)
		if err != nil {
			return err
		}
		if order.Status == input.Target {
			return nil
		}
		if order.Status == enums.OrderStatusPendingApproval {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is awaiting an approval decision")
		}
		res, err := s.machine.Apply(ctx, tx, TransitionRequest{
			OrderID: order.ID,
			From:    order.Status,
			To:      input.Target,
			Actor:   input.Actor,
			ActorID: input.ActorID,
			Reason:  input.Reason,
		})
		if err != nil {
			return err
		}
		applied = res.Applied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, input.OrderID, applied)
}

// Cancel moves the order to CANCELLED and restores its stock. Customers may only
// cancel orders that have not been paid; repeated calls return the current state.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID, reason string) (*ChangeResult, error) {
	return s.cancel(ctx, orderID, actor, actorID, reason, false)
}

func (s *Service) cancel(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID, reason string, pendingOnly bool) (*ChangeResult, error) {
	applied := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.load(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == enums.OrderStatusCancelled {
			return nil
		}
		if pendingOnly && order.Status != enums.OrderStatusPending {
			return nil
		}
		if actor == enums.ActorCustomer && order.Status != enums.OrderStatusPending && order.Status != enums.OrderStatusDraft {
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "order is %s and can no longer be cancelled online", order.Status)
		}
		if order.Status == enums.OrderStatusPendingApproval {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is awaiting an approval decision; reject it instead")
		}

		res, err := s.machine.Apply(ctx, tx, TransitionRequest{
			OrderID: order.ID,
			From:    order.Status,
			To:      enums.OrderStatusCancelled,
			Actor:   actor,
			ActorID: actorID,
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		if !res.Applied {
			return nil
		}
		applied = true

		_, err = s.repo.WithTx(tx).UpdatePayment(ctx, order.ID,
			[]enums.PaymentStatus{enums.PaymentStatusPending},
			map[string]any{"status": enums.PaymentStatusCancelled, "updated_at": s.now()},
		)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel payment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.changeResult(ctx, orderID, applied)
}

// ListAbandoned returns PENDING orders older than the configured abandonment window.
func (s *Service) ListAbandoned(ctx context.Context, limit int) ([]models.Order, error) {
	window := s.orders.AbandonedAfter
	if window <= 0 {
		window = 2 * time.Hour
	}
	orders, err := s.repo.FindPendingBefore(ctx, s.now().Add(-window), limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list abandoned orders")
	}
	return orders, nil
}

// CancelAbandoned cancels a PENDING order on behalf of the sweep once none of
// its checkout sessions can still be paid. Open sessions are expired first. A
// session the customer already completed leaves the order alone for its
// webhook to settle.
func (s *Service) CancelAbandoned(ctx context.Context, orderID uuid.UUID, actorID, reason string) (*ChangeResult, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, "order %s not found", orderID)
	}
	if order.Status != enums.OrderStatusPending {
		return &ChangeResult{Order: NewOrderDTO(order)}, nil
	}

	for _, sessionID := range liveSessions(order) {
		expired, err := s.gateway.ExpireCheckoutSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if !expired {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{
				"order_id":            order.ID.String(),
				"checkout_session_id": sessionID,
			}), "abandoned order has a completed checkout; leaving it for the webhook")
			return &ChangeResult{Order: NewOrderDTO(order)}, nil
		}
	}
	return s.cancel(ctx, orderID, enums.ActorSystem, actorID, reason, true)
}

// liveSessions lists checkout sessions of an order that may still take money.
func liveSessions(order *models.Order) []string {
	var ids []string
	if p := order.Payment; p != nil && p.CheckoutSessionID != nil && *p.CheckoutSessionID != "" {
		ids = append(ids, *p.CheckoutSessionID)
	}
	if d := order.Deposit; d != nil {
		if !d.DepositPaid && d.DepositSessionID != nil && *d.DepositSessionID != "" {
			ids = append(ids, *d.DepositSessionID)
		}
		if !d.RemainingPaid && d.RemainingSessionID != nil && *d.RemainingSessionID != "" {
			ids = append(ids, *d.RemainingSessionID)
		}
	}
	return ids
}

func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, "order %s not found", orderID)
	}
	return NewOrderDTO(order), nil
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*OrderDTO, error) {
	order, err := s.repo.FindByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return nil, mapFindError(err, "order %s not found", number)
	}
	return NewOrderDTO(order), nil
}

// ResolvePaymentIntent finds the order and leg a payment intent belongs to.
func (s *Service) ResolvePaymentIntent(ctx context.Context, paymentIntentID string) (uuid.UUID, enums.PaymentLeg, error) {
	order, leg, err := s.repo.FindByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return uuid.Nil, "", mapFindError(err, "no order for payment intent %s", paymentIntentID)
	}
	return order.ID, leg, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.WithTx(tx).FindByID(ctx, orderID)
	if err != nil {
		return nil, mapFindError(err, "order %s not found", orderID)
	}
	return order, nil
}

func (s *Service) changeResult(ctx context.Context, orderID uuid.UUID, applied bool) (*ChangeResult, error) {
	dto, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Order: dto, Applied: applied}, nil
}

func (s *Service) numberPrefix() string {
	if prefix := strings.TrimSpace(s.orders.NumberPrefix); prefix != "" {
		return strings.ToUpper(prefix)
	}
	return "CRB"
}

func (s *Service) currency() string {
	if currency := strings.TrimSpace(s.orders.Currency); currency != "" {
		return strings.ToLower(currency)
	}
	return "usd"
}

func mapFindError(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Newf(pkgerrors.CodeNotFound, format, args...)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
}

func validateCreateInput(input CreateOrderInput) error {
	if len(input.Lines) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "order needs at least one line")
	}
	if strings.TrimSpace(input.Customer.Name) == "" || strings.TrimSpace(input.Customer.Email) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer name and email are required")
	}
	if input.DiscountCents < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "discount cannot be negative")
	}
	for i, line := range input.Lines {
		if line.VariantID == uuid.Nil {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "line %d: variant_id is required", i+1)
		}
		if line.Quantity <= 0 {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "line %d: quantity must be at least 1", i+1)
		}
	}
	return nil
}

// checkLine validates one line; productQty is the quantity of the line's
// product across this and every earlier line of the order.
func checkLine(index int, line LineInput, variant *catalog.Variant, productQty int) error {
	label := lineLabel(index, variant)
	switch {
	case !variant.Sellable():
		unavailable := "variant"
		if !variant.ProductActive {
			unavailable = "product"
		}
		return pkgerrors.Newf(pkgerrors.CodeValidation, "%s: %s is not available", label, unavailable)
	case variant.MaxPerOrder > 0 && productQty > variant.MaxPerOrder:
		if productQty == line.Quantity {
			return pkgerrors.Newf(pkgerrors.CodeValidation, "%s: quantity %d exceeds the limit of %d per order", label, line.Quantity, variant.MaxPerOrder)
		}
		return pkgerrors.Newf(pkgerrors.CodeValidation, "%s: %d of %s across the order exceeds the limit of %d per order", label, productQty, variant.ProductName, variant.MaxPerOrder)
	case variant.StockQuantity < line.Quantity:
		return pkgerrors.Newf(pkgerrors.CodeInsufficientStock, "%s: only %d left, requested %d", label, variant.StockQuantity, line.Quantity).
			WithDetails(map[string]any{"line": index + 1, "variant_id": variant.VariantID.String(), "available": variant.StockQuantity, "requested": line.Quantity})
	}
	return nil
}

func lineLabel(index int, variant *catalog.Variant) string {
	return fmt.Sprintf("line %d (%s / %s)", index+1, variant.ProductName, variant.VariantName)
}
