package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/redis"
)

func newRedisManager(t *testing.T, ttl time.Duration) (*Manager, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := redis.New(context.Background(), config.RedisConfig{URL: "redis://" + server.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	manager, err := NewManager(client, ttl)
	require.NoError(t, err)
	return manager, client, server
}

func TestClaimRecordsOwnerWithTTL(t *testing.T) {
	manager, client, server := newRedisManager(t, 24*time.Hour)
	eventID := uuid.New()

	seen, err := manager.Claim(context.Background(), "outbox-publisher", eventID)
	require.NoError(t, err)
	require.False(t, seen)

	key := client.IdempotencyKey("evt:outbox-publisher", eventID.String())
	require.Equal(t, "crumb:idempotency:evt:outbox-publisher:"+eventID.String(), key)
	value, err := server.Get(key)
	require.NoError(t, err)
	require.Equal(t, manager.Owner(), value)
	require.Equal(t, 24*time.Hour, server.TTL(key))

	seen, err = manager.Claim(context.Background(), "outbox-publisher", eventID)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestClaimsAreScopedPerConsumer(t *testing.T) {
	manager, _, _ := newRedisManager(t, time.Hour)
	eventID := uuid.New()

	seen, err := manager.Claim(context.Background(), "outbox-publisher", eventID)
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = manager.Claim(context.Background(), "notifier", eventID)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestReleaseOnlyDropsOwnClaim(t *testing.T) {
	first, client, server := newRedisManager(t, time.Hour)
	second, err := NewManager(client, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, first.Owner(), second.Owner())

	eventID := uuid.New()
	key := client.IdempotencyKey("evt:outbox-publisher", eventID.String())

	_, err = first.Claim(context.Background(), "outbox-publisher", eventID)
	require.NoError(t, err)

	require.NoError(t, second.Release(context.Background(), "outbox-publisher", eventID))
	require.True(t, server.Exists(key))

	require.NoError(t, first.Release(context.Background(), "outbox-publisher", eventID))
	require.False(t, server.Exists(key))

	seen, err := second.Claim(context.Background(), "outbox-publisher", eventID)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestClaimSurfacesStoreErrors(t *testing.T) {
	manager, _, server := newRedisManager(t, time.Hour)
	server.SetError("LOADING")

	_, err := manager.Claim(context.Background(), "outbox-publisher", uuid.New())
	require.Error(t, err)
}

func TestClaimValidatesInput(t *testing.T) {
	manager, _, _ := newRedisManager(t, time.Hour)

	_, err := manager.Claim(context.Background(), "", uuid.New())
	require.True(t, errors.Is(err, errConsumerRequired))

	_, err = manager.Claim(context.Background(), "outbox-publisher", uuid.Nil)
	require.ErrorIs(t, err, errEventIDRequired)

	require.ErrorIs(t, manager.Release(context.Background(), "", uuid.New()), errConsumerRequired)
}

func TestNewManagerValidatesArguments(t *testing.T) {
	_, err := NewManager(nil, time.Hour)
	require.ErrorIs(t, err, errStoreRequired)

	_, client, _ := newRedisManager(t, time.Hour)
	_, err = NewManager(client, -time.Second)
	require.ErrorIs(t, err, errNegativeTTL)
}
