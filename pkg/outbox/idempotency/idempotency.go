package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/pkg/instance"
)

var (
	errStoreRequired    = errors.New("idempotency store is required")
	errNegativeTTL      = errors.New("ttl must be non-negative")
	errConsumerRequired = errors.New("consumer name is required")
	errEventIDRequired  = errors.New("event id is required")
)

// Store is the redis surface the guard needs.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	IdempotencyKey(scope, id string) string
}

// Manager records which outbox events a consumer has already delivered.
// Each marker holds the owner that wrote it, so one publisher replica can
// never release another replica's claim.
// Keys follow the `crumb:idempotency:evt:<consumer>:<event_id>` pattern.
type Manager struct {
	store Store
	ttl   time.Duration
	owner string
}

// NewManager builds a delivery guard that keeps markers for the given TTL.
// A zero TTL keeps markers until released.
func NewManager(store Store, ttl time.Duration) (*Manager, error) {
	switch {
	case store == nil:
		return nil, errStoreRequired
	case ttl < 0:
		return nil, errNegativeTTL
	}
	return &Manager{
		store: store,
		ttl:   ttl,
		owner: instance.GetID() + "|" + uuid.NewString(),
	}, nil
}

// Owner identifies this guard in the markers it writes.
func (m *Manager) Owner() string {
	return m.owner
}

// Claim returns true when the event was already claimed by the consumer.
// Otherwise it records the claim and returns false.
func (m *Manager) Claim(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := m.markerKey(consumer, eventID)
	if err != nil {
		return false, err
	}
	won, err := m.store.SetNX(ctx, key, m.owner, m.ttl)
	if err != nil {
		return false, err
	}
	return !won, nil
}

// Release drops this guard's claim so a failed delivery can be retried.
// Markers written by another owner are left alone.
func (m *Manager) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.markerKey(consumer, eventID)
	if err != nil {
		return err
	}
	_, err = m.store.CompareAndDelete(ctx, key, m.owner)
	return err
}

func (m *Manager) markerKey(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errConsumerRequired
	}
	if eventID == uuid.Nil {
		return "", errEventIDRequired
	}
	return m.store.IdempotencyKey("evt:"+consumer, eventID.String()), nil
}
