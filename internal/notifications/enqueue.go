package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/outbox/payloads"
)

// Audience tells dispatch who receives the message.
const (
	AudienceCustomer = "customer"
	AudienceStaff    = "staff"
)

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error)
}

// Request describes one notification job. Exactly one of Order or Variant is set.
type Request struct {
	Kind        enums.NotificationKind
	Order       *models.Order
	Variant     *payloads.VariantSnapshot
	Leg         enums.PaymentLeg
	Reason      string
	CheckoutURL string
	AmountCents int64
	Actor       *outbox.ActorRef
	// Day scopes low stock alerts; it is ignored for order notifications.
	Day time.Time
}

// Enqueuer writes notification jobs to the outbox inside the caller's transaction.
// Jobs sharing a dedupe key are written once, so replayed transitions never
// queue a second message.
type Enqueuer struct {
	outbox outboxEmitter
}

func NewEnqueuer(emitter outboxEmitter) (*Enqueuer, error) {
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	return &Enqueuer{outbox: emitter}, nil
}

// Enqueue reports whether a new job was queued.
func (e *Enqueuer) Enqueue(ctx context.Context, tx *gorm.DB, req Request) (bool, error) {
	if !req.Kind.IsValid() {
		return false, fmt.Errorf("invalid notification kind %q", req.Kind)
	}

	event := payloads.NotificationRequestedEvent{
		Kind:        req.Kind,
		Audience:    audienceFor(req.Kind),
		Variant:     req.Variant,
		Reason:      req.Reason,
		CheckoutURL: req.CheckoutURL,
		Leg:         req.Leg,
		AmountCents: req.AmountCents,
		RequestedAt: time.Now().UTC(),
	}

	domain := outbox.DomainEvent{
		EventType: enums.EventNotificationRequested,
		Actor:     req.Actor,
	}
	switch {
	case req.Order != nil:
		event.Order = SnapshotOrder(req.Order)
		event.Payment = SnapshotPayment(req.Order)
		domain.AggregateType = enums.AggregateOrder
		domain.AggregateID = req.Order.ID
		domain.DedupeKey = DedupeKey(req.Kind, req.Order.ID, req.Leg)
	case req.Variant != nil:
		day := req.Day
		if day.IsZero() {
			day = time.Now().UTC()
		}
		domain.AggregateType = enums.AggregateVariant
		domain.AggregateID = req.Variant.VariantID
		domain.DedupeKey = fmt.Sprintf("%s:%s:%s", req.Kind, req.Variant.VariantID, day.UTC().Format("2006-01-02"))
	default:
		return false, fmt.Errorf("notification %s needs an order or variant", req.Kind)
	}
	domain.Data = event

	return e.outbox.Emit(ctx, tx, domain)
}

// DedupeKey is `<kind>:<order>` with a `:<leg>` suffix for leg-scoped jobs.
func DedupeKey(kind enums.NotificationKind, orderID uuid.UUID, leg enums.PaymentLeg) string {
	parts := []string{kind.String(), orderID.String()}
	if leg != "" && leg != enums.PaymentLegFull {
		parts = append(parts, string(leg))
	}
	return strings.Join(parts, ":")
}

func audienceFor(kind enums.NotificationKind) string {
	switch kind {
	case enums.NotificationPaymentReceived, enums.NotificationLowStockAlert, enums.NotificationPaymentOnCancelled:
		return AudienceStaff
	default:
		return AudienceCustomer
	}
}
