package middleware

import (
	"context"

	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

type contextKey string

const (
	ctxActor   contextKey = "actor"
	ctxActorID contextKey = "actor_id"
)

// ActorFromContext returns who is calling. Unauthenticated public routes act as the customer.
func ActorFromContext(ctx context.Context) (enums.Actor, string) {
	if ctx == nil {
		return enums.ActorCustomer, ""
	}
	actor, ok := ctx.Value(ctxActor).(enums.Actor)
	if !ok || actor == "" {
		actor = enums.ActorCustomer
	}
	id, _ := ctx.Value(ctxActorID).(string)
	return actor, id
}

// WithActor injects the authenticated actor into the context.
func WithActor(ctx context.Context, actor enums.Actor, actorID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxActor, actor)
	return context.WithValue(ctx, ctxActorID, actorID)
}
