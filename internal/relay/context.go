package relay

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID attaches the inbound request ID that relay logs carry.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the ID set by ContextWithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
