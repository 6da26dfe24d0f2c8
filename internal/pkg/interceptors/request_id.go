// Package interceptors carries request metadata and trace context across the
// bus. HTTP requests put their ids in the context; publishing copies them into
// envelope headers; consuming copies them back into the handler's context.
package interceptors

import (
	"context"

	"github.com/jcmexdev/order-placement-saga/internal/messaging"
	"github.com/jcmexdev/order-placement-saga/internal/pkg/interceptors/constants"
)

// WithRequestID stores the request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, id)
}

// WithIdempotencyKey stores the idempotency key in ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyIdempotencyKey, key)
}

// GetIDFromContext returns the request id, or "unknown".
func GetIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// GetIdempotencyKey returns the idempotency key, or "".
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(constants.ContextKeyIdempotencyKey).(string); ok {
		return key
	}
	return ""
}

// InjectIDs copies the request id and idempotency key from ctx into env.
func InjectIDs(ctx context.Context, env *messaging.Envelope) {
	if id, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && id != "" {
		env.SetHeader(constants.HeaderXRequestId, id)
	}
	if key := GetIdempotencyKey(ctx); key != "" {
		env.SetHeader(constants.HeaderXIdempotencyKey, key)
	}
}

// ExtractIDs returns ctx with the ids carried by env.
func ExtractIDs(ctx context.Context, env *messaging.Envelope) context.Context {
	if id := env.Header(constants.HeaderXRequestId); id != "" {
		ctx = WithRequestID(ctx, id)
	}
	if key := env.Header(constants.HeaderXIdempotencyKey); key != "" {
		ctx = WithIdempotencyKey(ctx, key)
	}
	return ctx
}
