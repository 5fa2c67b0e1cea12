package orders

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
	"github.com/angelmondragon/crumb-backend/internal/payments/paymentstest"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db/dbtest"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
)

type harness struct {
	svc     *Service
	machine *StateMachine
	conn    *gorm.DB
	gateway *paymentstest.Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, conn := dbtest.OpenClient(t)
	ledger := inventory.NewLedger()
	emitter := outbox.NewService(outbox.NewRepository(conn), logger.Nop())
	machine := NewStateMachine(ledger, emitter, nil, logger.Nop())
	enq, err := notifications.NewEnqueuer(emitter)
	require.NoError(t, err)
	gateway := paymentstest.New()

	svc, err := NewService(ServiceParams{
		DB:       client,
		Repo:     NewRepository(conn),
		Catalog:  catalog.NewRepository(),
		Stock:    ledger,
		Machine:  machine,
		Notifier: enq,
		Outbox:   emitter,
		Gateway:  gateway,
		Orders: config.OrdersConfig{
			TaxRate:        "0.10",
			Currency:       "usd",
			NumberPrefix:   "CRB",
			AbandonedAfter: 2 * time.Hour,
		},
		Stripe: config.StripeConfig{
			SuccessURL: "https://crumb.test/orders/{ORDER_NUMBER}/thanks",
			CancelURL:  "https://crumb.test/orders/{ORDER_NUMBER}",
		},
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	return &harness{svc: svc, machine: machine, conn: conn, gateway: gateway}
}

func (h *harness) seed(t *testing.T, seed dbtest.VariantSeed) models.ProductVariant {
	t.Helper()
	return dbtest.SeedVariant(t, h.conn, seed)
}

func (h *harness) createOrder(t *testing.T, lines ...LineInput) *OrderDTO {
	t.Helper()
	order, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{
		Customer: CustomerInput{Name: "Ada Baker", Email: "ada@example.com"},
		Lines:    lines,
	})
	require.NoError(t, err)
	return order
}

func (h *harness) events(t *testing.T, eventType enums.OutboxEventType, orderID uuid.UUID) []models.OutboxEvent {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, h.conn.
		Where("event_type = ? AND aggregate_id = ?", eventType, orderID).
		Order("created_at ASC").
		Find(&rows).Error)
	return rows
}

func (h *harness) notificationCount(t *testing.T, key string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND dedupe_key = ?", enums.EventNotificationRequested, key).
		Count(&count).Error)
	return count
}

func (h *harness) payment(t *testing.T, orderID uuid.UUID) models.Payment {
	t.Helper()
	var payment models.Payment
	require.NoError(t, h.conn.First(&payment, "order_id = ?", orderID).Error)
	return payment
}
