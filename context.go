package jianwen

import "context"

type requestIDContextKey struct{}

// WithRequestID attaches a caller-side correlation id to ctx. It is copied
// into audit events and log records of the operation run under ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}
