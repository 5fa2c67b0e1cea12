package approvals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/internal/catalog"
	"github.com/angelmondragon/crumb-backend/internal/inventory"
	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/internal/payments/paymentstest"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db/dbtest"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
)

type fixture struct {
	svc     *Service
	params  ServiceParams
	orders  *orders.Service
	conn    *gorm.DB
	gateway *paymentstest.Gateway
	cake    models.ProductVariant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, conn := dbtest.OpenClient(t)
	ledger := inventory.NewLedger()
	emitter := outbox.NewService(outbox.NewRepository(conn), logger.Nop())
	machine := orders.NewStateMachine(ledger, emitter, nil, logger.Nop())
	enq, err := notifications.NewEnqueuer(emitter)
	require.NoError(t, err)
	gateway := paymentstest.New()
	repo := orders.NewRepository(conn)

	orderSvc, err := orders.NewService(orders.ServiceParams{
		DB:       client,
		Repo:     repo,
		Catalog:  catalog.NewRepository(),
		Stock:    ledger,
		Machine:  machine,
		Notifier: enq,
		Outbox:   emitter,
		Gateway:  gateway,
		Orders:   config.OrdersConfig{TaxRate: "0", Currency: "usd", NumberPrefix: "CRB", AbandonedAfter: time.Hour},
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)

	params := ServiceParams{
		DB:       client,
		Store:    NewGormStore(conn),
		Orders:   repo,
		Machine:  machine,
		Notifier: enq,
		Outbox:   emitter,
		Gateway:  gateway,
		Lease:    time.Minute,
		Logger:   logger.Nop(),
	}
	svc, err := NewService(params)
	require.NoError(t, err)

	cake := dbtest.SeedVariant(t, conn, dbtest.VariantSeed{ProductName: "Birthday Cake", PriceCents: 4500, Stock: 4, IsCake: true})
	return &fixture{svc: svc, params: params, orders: orderSvc, conn: conn, gateway: gateway, cake: cake}
}

// withLease returns a second decider sharing the fixture's database and gateway.
func (f *fixture) withLease(t *testing.T, lease time.Duration) *Service {
	t.Helper()
	params := f.params
	params.Lease = lease
	svc, err := NewService(params)
	require.NoError(t, err)
	return svc
}

// awaiting returns an order holding an authorization for pi.
func (f *fixture) awaiting(t *testing.T, pi string) *orders.OrderDTO {
	t.Helper()
	ctx := context.Background()
	order, err := f.orders.CreateOrder(ctx, orders.CreateOrderInput{
		Customer: orders.CustomerInput{Name: "Mo Baker", Email: "mo@example.com"},
		Lines:    []orders.LineInput{{VariantID: f.cake.ID, Quantity: 1}},
	})
	require.NoError(t, err)
	held, err := f.orders.MarkPaid(ctx, orders.MarkPaidInput{OrderID: order.ID, PaymentIntentID: pi, AmountCents: order.TotalCents})
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPendingApproval, held.Order.Status)
	return held.Order
}

func (f *fixture) notificationCount(t *testing.T, kind enums.NotificationKind, orderID uuid.UUID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND dedupe_key = ?", enums.EventNotificationRequested, notifications.DedupeKey(kind, orderID, "")).
		Count(&count).Error)
	return count
}

func TestApproveCapturesAndConfirms(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_approve")

	result, err := f.svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-7")
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, enums.OrderStatusConfirmed, result.Order.Status)
	require.Equal(t, enums.PaymentStatusSucceeded, result.Order.Payment.Status)
	require.Equal(t, []string{"pi_approve"}, f.gateway.Captures)
	require.EqualValues(t, 1, f.notificationCount(t, enums.NotificationOrderApproved, order.ID))

	var row models.Order
	require.NoError(t, f.conn.First(&row, "id = ?", order.ID).Error)
	require.Nil(t, row.DecisionToken)

	again, err := f.svc.Approve(context.Background(), order.ID, enums.ActorBot, "chat-1")
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, "already confirmed", again.Message)
	require.Equal(t, 1, f.gateway.CaptureCount())
}

func TestRejectCancelsHoldAndRestoresStock(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_reject")
	require.Equal(t, 3, dbtest.Stock(t, f.conn, f.cake.ID))

	result, err := f.svc.Reject(context.Background(), order.ID, enums.ActorBot, "chat-9", "oven is fully booked")
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, enums.OrderStatusCancelled, result.Order.Status)
	require.Equal(t, enums.PaymentStatusCancelled, result.Order.Payment.Status)
	require.Equal(t, []string{"pi_reject"}, f.gateway.Cancels)
	require.Empty(t, f.gateway.Captures)
	require.Equal(t, 4, dbtest.Stock(t, f.conn, f.cake.ID))
	require.EqualValues(t, 1, f.notificationCount(t, enums.NotificationOrderRejected, order.ID))

	var row models.Order
	require.NoError(t, f.conn.First(&row, "id = ?", order.ID).Error)
	require.NotNil(t, row.CancelReason)
	require.Equal(t, "oven is fully booked", *row.CancelReason)
}

func TestConcurrentApprovalsCaptureOnce(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_race")

	const deciders = 6
	var wg sync.WaitGroup
	results := make([]*Result, deciders)
	errs := make([]error, deciders)
	for i := 0; i < deciders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := enums.ActorAdmin
			if i%2 == 1 {
				actor = enums.ActorBot
			}
			results[i], errs[i] = f.svc.Approve(context.Background(), order.ID, actor, "")
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Applied {
			applied++
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, 1, f.gateway.CaptureCount())
	require.EqualValues(t, 1, f.notificationCount(t, enums.NotificationOrderApproved, order.ID))
}

func TestRejectDuringCaptureMakesNoGatewayCall(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_interleave")

	var rejected *Result
	var rejectErr error
	f.gateway.OnCapture = func(string) {
		rejected, rejectErr = f.svc.Reject(context.Background(), order.ID, enums.ActorBot, "chat-2", "changed my mind")
	}

	approved, err := f.svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-1")
	require.NoError(t, err)
	require.True(t, approved.Applied)

	require.NoError(t, rejectErr)
	require.False(t, rejected.Applied)
	require.Equal(t, "decision in progress", rejected.Message)
	require.Equal(t, 1, f.gateway.CaptureCount())
	require.Zero(t, f.gateway.CancelCount())
	require.Equal(t, enums.OrderStatusConfirmed, approved.Order.Status)
}

func TestGatewayRefusalReleasesClaim(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_flaky")
	f.gateway.CaptureErr = paymentstest.RejectedError("capture")

	_, err := f.svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-1")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayRejected))

	current, err := f.orders.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPendingApproval, current.Status)
	require.Zero(t, f.notificationCount(t, enums.NotificationOrderApproved, order.ID))

	var row models.Order
	require.NoError(t, f.conn.First(&row, "id = ?", order.ID).Error)
	require.Nil(t, row.DecisionToken)
	require.Nil(t, row.DecisionAction)

	f.gateway.CaptureErr = nil
	rejected, err := f.svc.Reject(context.Background(), order.ID, enums.ActorAdmin, "admin-1", "card cannot be charged")
	require.NoError(t, err)
	require.True(t, rejected.Applied)
	require.Equal(t, enums.OrderStatusCancelled, rejected.Order.Status)
}

func TestUnknownGatewayOutcomeKeepsClaimForSameMove(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_timeout")
	svc := f.withLease(t, 40*time.Millisecond)
	f.gateway.CaptureErr = paymentstest.GatewayError("capture")

	_, err := svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-1")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))
	require.True(t, pkgerrors.IsRetryable(err))
	f.gateway.CaptureErr = nil

	var row models.Order
	require.NoError(t, f.conn.First(&row, "id = ?", order.ID).Error)
	require.NotNil(t, row.DecisionToken)
	require.Equal(t, ActionCapture, *row.DecisionAction)

	busy, err := svc.Reject(context.Background(), order.ID, enums.ActorBot, "chat-4", "")
	require.NoError(t, err)
	require.False(t, busy.Applied)
	require.Equal(t, "decision in progress", busy.Message)

	time.Sleep(80 * time.Millisecond)
	stale, err := svc.Reject(context.Background(), order.ID, enums.ActorBot, "chat-4", "")
	require.NoError(t, err)
	require.False(t, stale.Applied)
	require.Zero(t, f.gateway.CancelCount())

	retried, err := svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-1")
	require.NoError(t, err)
	require.True(t, retried.Applied)
	require.Equal(t, enums.OrderStatusConfirmed, retried.Order.Status)

	require.NoError(t, f.conn.First(&row, "id = ?", order.ID).Error)
	require.Nil(t, row.DecisionToken)
	require.Nil(t, row.DecisionAction)
}

func TestSlowCaptureOutlivingLeaseNeverCancels(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_slow")
	svc := f.withLease(t, 50*time.Millisecond)

	var rejected *Result
	var rejectErr error
	f.gateway.OnCapture = func(string) {
		time.Sleep(100 * time.Millisecond)
		rejected, rejectErr = svc.Reject(context.Background(), order.ID, enums.ActorBot, "chat-3", "too slow")
	}

	_, err := svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-1")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))

	require.NoError(t, rejectErr)
	require.False(t, rejected.Applied)
	require.Zero(t, f.gateway.CancelCount())
	require.Equal(t, 1, f.gateway.CaptureCount())

	f.gateway.OnCapture = nil
	time.Sleep(60 * time.Millisecond)
	approved, err := svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-1")
	require.NoError(t, err)
	require.True(t, approved.Applied)
	require.Equal(t, enums.OrderStatusConfirmed, approved.Order.Status)
	require.Equal(t, []string{"pi_slow", "pi_slow"}, f.gateway.Captures)
	require.Zero(t, f.gateway.CancelCount())
}

func TestStaleClaimForOppositeMoveIsNotTakenOver(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_crashed")
	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
		"decision_token":     "crashed-decider",
		"decision_locked_at": time.Now().UTC().Add(-time.Hour),
		"decision_action":    ActionCapture,
	}).Error)

	refused, err := f.svc.Reject(context.Background(), order.ID, enums.ActorAdmin, "admin-2", "")
	require.NoError(t, err)
	require.False(t, refused.Applied)
	require.Zero(t, f.gateway.CancelCount())

	approved, err := f.svc.Approve(context.Background(), order.ID, enums.ActorAdmin, "admin-2")
	require.NoError(t, err)
	require.True(t, approved.Applied)
	require.Equal(t, []string{"pi_crashed"}, f.gateway.Captures)
}

func TestStaleClaimCanBeTakenOver(t *testing.T) {
	f := newFixture(t)
	order := f.awaiting(t, "pi_stale")
	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]any{
		"decision_token":     "crashed-decider",
		"decision_locked_at": time.Now().UTC().Add(-time.Hour),
	}).Error)

	result, err := f.svc.Reject(context.Background(), order.ID, enums.ActorAdmin, "admin-2", "")
	require.NoError(t, err)
	require.True(t, result.Applied)
	require.Equal(t, enums.OrderStatusCancelled, result.Order.Status)
}

func TestDecideValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Decide(context.Background(), Decision{Actor: enums.ActorAdmin, Approve: true})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.Decide(context.Background(), Decision{OrderID: uuid.New(), Actor: enums.ActorCustomer, Approve: true})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = f.svc.Approve(context.Background(), uuid.New(), enums.ActorAdmin, "admin-1")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
