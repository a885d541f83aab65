package auth

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

type actorKey struct{}

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, a contracts.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom retrieves the authenticated actor from the context.
func ActorFrom(ctx context.Context) (contracts.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(contracts.Actor)
	return a, ok
}
