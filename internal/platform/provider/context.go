package provider

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithCorrelationID attaches the request correlation id so provider clients
// can forward it upstream.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationIDFromContext returns the correlation id attached by
// WithCorrelationID, if any.
func CorrelationIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok
}
