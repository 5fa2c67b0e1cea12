package cron

import (
	"context"
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
	"github.com/angelmondragon/crumb-backend/pkg/db"
	"github.com/angelmondragon/crumb-backend/pkg/db/dbtest"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
)

type jobStack struct {
	client   *db.Client
	conn     *gorm.DB
	ledger   *inventory.Ledger
	enqueuer *notifications.Enqueuer
	orders   *orders.Service
	gateway  *paymentstest.Gateway
}

func newJobStack(t *testing.T) *jobStack {
	t.Helper()
	client, conn := dbtest.OpenClient(t)
	ledger := inventory.NewLedger()
	emitter := outbox.NewService(outbox.NewRepository(conn), logger.Nop())
	enq, err := notifications.NewEnqueuer(emitter)
	require.NoError(t, err)
	gateway := paymentstest.New()
	svc, err := orders.NewService(orders.ServiceParams{
		DB:       client,
		Repo:     orders.NewRepository(conn),
		Catalog:  catalog.NewRepository(),
		Stock:    ledger,
		Machine:  orders.NewStateMachine(ledger, emitter, nil, logger.Nop()),
		Notifier: enq,
		Outbox:   emitter,
		Gateway:  gateway,
		Orders:   config.OrdersConfig{TaxRate: "0.10", Currency: "usd", NumberPrefix: "CRB", AbandonedAfter: 2 * time.Hour},
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)
	return &jobStack{client: client, conn: conn, ledger: ledger, enqueuer: enq, orders: svc, gateway: gateway}
}

func (s *jobStack) order(t *testing.T, variantID uuid.UUID, qty int, age time.Duration) *orders.OrderDTO {
	t.Helper()
	order, err := s.orders.CreateOrder(context.Background(), orders.CreateOrderInput{
		Customer: orders.CustomerInput{Name: "Sam Baker", Email: "sam@example.com"},
		Lines:    []orders.LineInput{{VariantID: variantID, Quantity: qty}},
	})
	require.NoError(t, err)
	require.NoError(t, s.conn.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("created_at", time.Now().UTC().Add(-age)).Error)
	return order
}

func TestAbandonedSweepCancelsStaleOrdersOnce(t *testing.T) {
	s := newJobStack(t)
	bun := dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Cinnamon Bun", PriceCents: 450, Stock: 20})
	stale := s.order(t, bun.ID, 3, 3*time.Hour)
	fresh := s.order(t, bun.ID, 2, 10*time.Minute)
	paid := s.order(t, bun.ID, 1, 5*time.Hour)
	_, err := s.orders.MarkPaid(context.Background(), orders.MarkPaidInput{OrderID: paid.ID, PaymentIntentID: "pi_paid", Captured: true})
	require.NoError(t, err)
	require.Equal(t, 14, dbtest.Stock(t, s.conn, bun.ID))

	job, err := NewAbandonedOrderJob(AbandonedOrderJobParams{Logger: logger.Nop(), Orders: s.orders, BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))

	got, err := s.orders.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, got.Status)
	got, err = s.orders.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPending, got.Status)
	got, err = s.orders.Get(context.Background(), paid.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPaid, got.Status)

	require.Equal(t, 17, dbtest.Stock(t, s.conn, bun.ID))
}

func TestAbandonedSweepExpiresCheckoutBeforeCancelling(t *testing.T) {
	s := newJobStack(t)
	bun := dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Kouign-amann", PriceCents: 500, Stock: 10})
	ctx := context.Background()
	open := s.order(t, bun.ID, 2, 3*time.Hour)
	paying := s.order(t, bun.ID, 1, 3*time.Hour)

	openCheckout, err := s.orders.StartCheckout(ctx, open.ID)
	require.NoError(t, err)
	payingCheckout, err := s.orders.StartCheckout(ctx, paying.ID)
	require.NoError(t, err)
	s.gateway.Completed[payingCheckout.SessionID] = true

	job, err := NewAbandonedOrderJob(AbandonedOrderJobParams{Logger: logger.Nop(), Orders: s.orders, BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, job.Run(ctx))

	got, err := s.orders.Get(ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, got.Status)
	require.Equal(t, []string{openCheckout.SessionID}, s.gateway.Expired)

	got, err = s.orders.Get(ctx, paying.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPending, got.Status)
	require.Equal(t, 9, dbtest.Stock(t, s.conn, bun.ID))

	paid, err := s.orders.MarkPaid(ctx, orders.MarkPaidInput{OrderID: paying.ID, SessionID: payingCheckout.SessionID, PaymentIntentID: "pi_in_time", Captured: true})
	require.NoError(t, err)
	require.True(t, paid.Applied)
	require.Equal(t, enums.OrderStatusPaid, paid.Order.Status)

	require.NoError(t, job.Run(ctx))
	got, err = s.orders.Get(ctx, paying.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPaid, got.Status)
	require.Len(t, s.gateway.Expired, 1)
}

func TestAbandonedSweepKeepsOrderWhenExpiryFails(t *testing.T) {
	s := newJobStack(t)
	bun := dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Morning Bun", PriceCents: 400, Stock: 5})
	ctx := context.Background()
	order := s.order(t, bun.ID, 1, 3*time.Hour)
	_, err := s.orders.StartCheckout(ctx, order.ID)
	require.NoError(t, err)
	s.gateway.ExpireErr = paymentstest.GatewayError("expire_session")

	job, err := NewAbandonedOrderJob(AbandonedOrderJobParams{Logger: logger.Nop(), Orders: s.orders})
	require.NoError(t, err)
	require.Error(t, job.Run(ctx))

	got, err := s.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusPending, got.Status)

	s.gateway.ExpireErr = nil
	require.NoError(t, job.Run(ctx))
	got, err = s.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusCancelled, got.Status)
}

func TestLowStockScanAlertsOncePerDay(t *testing.T) {
	s := newJobStack(t)
	low := dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Baguette", PriceCents: 350, Stock: 2})
	dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Rye", PriceCents: 600, Stock: 40})
	dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Retired Scone", PriceCents: 300, Stock: 0, Inactive: true})

	jobIface, err := NewLowStockJob(LowStockJobParams{
		Logger:    logger.Nop(),
		Conn:      s.conn,
		DB:        s.client,
		Stock:     s.ledger,
		Notifier:  s.enqueuer,
		Threshold: 5,
	})
	require.NoError(t, err)
	job := jobIface.(*lowStockJob)
	job.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))

	var alerts []models.OutboxEvent
	require.NoError(t, s.conn.Where("event_type = ?", enums.EventNotificationRequested).Find(&alerts).Error)
	require.Len(t, alerts, 1)
	require.Equal(t, low.ID, alerts[0].AggregateID)
	require.Equal(t, "low_stock_alert:"+low.ID.String()+":2026-04-01", *alerts[0].DedupeKey)

	job.now = func() time.Time { return time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC) }
	require.NoError(t, job.Run(context.Background()))
	var count int64
	require.NoError(t, s.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", enums.EventNotificationRequested).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestRevenueRollupUpsertsYesterday(t *testing.T) {
	s := newJobStack(t)
	cookie := dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Cookie", PriceCents: 1000, Stock: 50})
	ctx := context.Background()

	now := time.Date(2026, 5, 3, 6, 0, 0, 0, time.UTC)
	yesterday := time.Date(2026, 5, 2, 15, 30, 0, 0, time.UTC)
	capture := func(qty int, capturedAt time.Time, refunded int64) {
		order := s.order(t, cookie.ID, qty, time.Minute)
		_, err := s.orders.MarkPaid(ctx, orders.MarkPaidInput{OrderID: order.ID, PaymentIntentID: "pi_" + order.OrderNumber, Captured: true})
		require.NoError(t, err)
		status := enums.PaymentStatusSucceeded
		if refunded > 0 {
			status = enums.PaymentStatusPartiallyRefunded
		}
		require.NoError(t, s.conn.Model(&models.Payment{}).Where("order_id = ?", order.ID).Updates(map[string]any{
			"captured_at":    capturedAt,
			"refunded_cents": refunded,
			"status":         status,
		}).Error)
	}
	capture(2, yesterday, 0)
	capture(1, yesterday.Add(time.Hour), 300)
	capture(5, now, 0)

	jobIface, err := NewRevenueRollupJob(RevenueRollupJobParams{Logger: logger.Nop(), DB: s.client})
	require.NoError(t, err)
	job := jobIface.(*revenueRollupJob)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(ctx))
	require.NoError(t, job.Run(ctx))

	var rows []models.DailyRevenue
	require.NoError(t, s.conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	row := rows[0]
	require.EqualValues(t, 2, row.OrderCount)
	require.EqualValues(t, 3300, row.GrossCents)
	require.EqualValues(t, 300, row.TaxCents)
	require.EqualValues(t, 300, row.RefundedCents)
	require.EqualValues(t, 3000, row.NetCents)
}

func TestRevenueRollupCountsDepositLegsOnTheirPaidDay(t *testing.T) {
	s := newJobStack(t)
	cake := dbtest.SeedVariant(t, s.conn, dbtest.VariantSeed{ProductName: "Tiered Cake", PriceCents: 1000, Stock: 20, IsCake: true})
	ctx := context.Background()

	now := time.Date(2026, 5, 3, 6, 0, 0, 0, time.UTC)
	yesterday := time.Date(2026, 5, 2, 11, 0, 0, 0, time.UTC)

	whole := s.order(t, cake.ID, 1, time.Minute)
	_, err := s.orders.MarkPaid(ctx, orders.MarkPaidInput{OrderID: whole.ID, PaymentIntentID: "pi_whole", Captured: true})
	require.NoError(t, err)
	require.NoError(t, s.conn.Model(&models.Payment{}).Where("order_id = ?", whole.ID).
		Update("captured_at", yesterday).Error)

	// 5500 total with 500 tax, split 40/60
	split := s.order(t, cake.ID, 5, time.Minute)
	require.NoError(t, s.conn.Model(&models.Order{}).Where("id = ?", split.ID).Update("deposit_split", true).Error)
	depositPaidAt, remainingPaidAt := yesterday.Add(2*time.Hour), now
	require.NoError(t, s.conn.Create(&models.CakeDeposit{
		OrderID:         split.ID,
		Percentage:      40,
		DepositCents:    2200,
		RemainingCents:  3300,
		DepositPaid:     true,
		DepositPaidAt:   &depositPaidAt,
		RemainingPaid:   true,
		RemainingPaidAt: &remainingPaidAt,
	}).Error)
	require.NoError(t, s.conn.Model(&models.Payment{}).Where("order_id = ?", split.ID).Updates(map[string]any{
		"status":      enums.PaymentStatusSucceeded,
		"captured_at": yesterday,
	}).Error)

	jobIface, err := NewRevenueRollupJob(RevenueRollupJobParams{Logger: logger.Nop(), DB: s.client})
	require.NoError(t, err)
	job := jobIface.(*revenueRollupJob)
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run(ctx))

	job.now = func() time.Time { return now.AddDate(0, 0, 1) }
	require.NoError(t, job.Run(ctx))

	var rows []models.DailyRevenue
	require.NoError(t, s.conn.Order("day").Find(&rows).Error)
	require.Len(t, rows, 2)

	require.EqualValues(t, 2, rows[0].OrderCount)
	require.EqualValues(t, 1100+2200, rows[0].GrossCents)
	require.EqualValues(t, 100+200, rows[0].TaxCents)

	require.EqualValues(t, 1, rows[1].OrderCount)
	require.EqualValues(t, 3300, rows[1].GrossCents)
	require.EqualValues(t, 300, rows[1].TaxCents)
	require.EqualValues(t, 3300, rows[1].NetCents)
}
