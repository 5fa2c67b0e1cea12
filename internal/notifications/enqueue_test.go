package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/crumb-backend/pkg/db/dbtest"
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

func newEnqueuer(t *testing.T) (*Enqueuer, *outbox.Repository) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := outbox.NewRepository(conn)
	enq, err := NewEnqueuer(outbox.NewService(repo, logger.Nop()))
	require.NoError(t, err)
	return enq, repo
}

func sampleOrder() *models.Order {
	pi := "pi_123"
	return &models.Order{
		ID:            uuid.New(),
		OrderNumber:   "CRB-20260301-ABC123",
		Status:        enums.OrderStatusPaid,
		CustomerName:  "Grace",
		CustomerEmail: "grace@example.com",
		Currency:      "usd",
		SubtotalCents: 5500,
		TaxCents:      550,
		TotalCents:    6050,
		Items: []models.OrderItem{
			{ProductName: "Croissant", VariantName: "Butter", Quantity: 3, UnitPriceCents: 1000, LineTotalCents: 3000},
		},
		Payment: &models.Payment{Status: enums.PaymentStatusSucceeded, AmountCents: 6050, Currency: "usd", PaymentIntentID: &pi},
	}
}

func TestEnqueueDedupesByKindAndOrder(t *testing.T) {
	enq, repo := newEnqueuer(t)
	order := sampleOrder()
	ctx := context.Background()

	queued, err := enq.Enqueue(ctx, repo.DB(), Request{Kind: enums.NotificationOrderConfirmed, Order: order})
	require.NoError(t, err)
	require.True(t, queued)

	queued, err = enq.Enqueue(ctx, repo.DB(), Request{Kind: enums.NotificationOrderConfirmed, Order: order})
	require.NoError(t, err)
	require.False(t, queued)

	rows, err := repo.ListForAggregate(ctx, enums.AggregateOrder, order.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "order_confirmed:"+order.ID.String(), *rows[0].DedupeKey)

	var envelope outbox.PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	var event payloads.NotificationRequestedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &event))
	require.Equal(t, AudienceCustomer, event.Audience)
	require.Equal(t, int64(6050), event.Order.TotalCents)
	require.Equal(t, "pi_123", event.Payment.PaymentIntentID)
	require.Len(t, event.Order.Items, 1)
}

func TestEnqueueLegScopedKeys(t *testing.T) {
	enq, repo := newEnqueuer(t)
	order := sampleOrder()
	ctx := context.Background()

	for _, leg := range []enums.PaymentLeg{enums.PaymentLegDeposit, enums.PaymentLegRemaining} {
		queued, err := enq.Enqueue(ctx, repo.DB(), Request{Kind: enums.NotificationDepositPaymentLink, Order: order, Leg: leg, CheckoutURL: "https://pay/" + string(leg)})
		require.NoError(t, err)
		require.True(t, queued)
	}

	rows, err := repo.ListForAggregate(ctx, enums.AggregateOrder, order.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestEnqueueLowStockOncePerDay(t *testing.T) {
	enq, repo := newEnqueuer(t)
	ctx := context.Background()
	variant := &payloads.VariantSnapshot{VariantID: uuid.New(), ProductName: "Brioche", StockQuantity: 1}
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, err := enq.Enqueue(ctx, repo.DB(), Request{Kind: enums.NotificationLowStockAlert, Variant: variant, Day: day})
	require.NoError(t, err)
	require.True(t, first)

	again, err := enq.Enqueue(ctx, repo.DB(), Request{Kind: enums.NotificationLowStockAlert, Variant: variant, Day: day.Add(6 * time.Hour)})
	require.NoError(t, err)
	require.False(t, again)

	nextDay, err := enq.Enqueue(ctx, repo.DB(), Request{Kind: enums.NotificationLowStockAlert, Variant: variant, Day: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.True(t, nextDay)
}

func TestEnqueueRequiresTarget(t *testing.T) {
	enq, repo := newEnqueuer(t)
	_, err := enq.Enqueue(context.Background(), repo.DB(), Request{Kind: enums.NotificationOrderApproved})
	require.Error(t, err)

	_, err = enq.Enqueue(context.Background(), repo.DB(), Request{Kind: "bogus", Order: sampleOrder()})
	require.Error(t, err)
}

func TestDedupeKey(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	require.Equal(t, "payment_received:"+id.String(), DedupeKey(enums.NotificationPaymentReceived, id, enums.PaymentLegFull))
	require.Equal(t, "payment_received:"+id.String()+":deposit", DedupeKey(enums.NotificationPaymentReceived, id, enums.PaymentLegDeposit))
}
