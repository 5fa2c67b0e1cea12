package notifications

import (
	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

// SnapshotOrder copies the order fields dispatch needs; later order changes do
// not alter a queued job.
func SnapshotOrder(order *models.Order) *payloads.OrderSnapshot {
	if order == nil {
		return nil
	}
	snap := &payloads.OrderSnapshot{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		CustomerPhone: order.CustomerPhone,
		PickupDate:    order.PickupDate,
		PickupSlot:    order.PickupSlot,
		Currency:      order.Currency,
		SubtotalCents: order.SubtotalCents,
		TaxCents:      order.TaxCents,
		DiscountCents: order.DiscountCents,
		TotalCents:    order.TotalCents,
		Items:         make([]payloads.ItemSnapshot, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		snap.Items = append(snap.Items, payloads.ItemSnapshot{
			ProductName:    item.ProductName,
			VariantName:    item.VariantName,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: item.LineTotalCents,
		})
	}
	return snap
}

func SnapshotPayment(order *models.Order) *payloads.PaymentSnapshot {
	if order == nil || order.Payment == nil {
		return nil
	}
	p := order.Payment
	snap := &payloads.PaymentSnapshot{
		Status:        p.Status,
		AmountCents:   p.AmountCents,
		RefundedCents: p.RefundedCents,
		Currency:      p.Currency,
	}
	if p.PaymentIntentID != nil {
		snap.PaymentIntentID = *p.PaymentIntentID
	}
	return snap
}
