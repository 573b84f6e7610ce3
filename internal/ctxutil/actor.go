// Package ctxutil carries the acting operator's identity through request
// contexts. It has no internal dependencies so any package may import it.
package ctxutil

import "context"

type actorKey struct{}

// FallbackActor is recorded when a request carries no operator identity.
const FallbackActor = "unknown"

// WithActor returns a context with the operator identity embedded.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the operator identity, or FallbackActor when the
// request carried none.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return FallbackActor
}
