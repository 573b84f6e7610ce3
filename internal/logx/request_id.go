package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// NormalizeRequestID keeps a caller-supplied UUIDv4 and replaces anything
// else, so clients cannot inject arbitrary strings into log fields.
func NormalizeRequestID(value string) string {
	parsed, err := uuid.Parse(value)
	if err != nil || parsed.Version() != 4 {
		return uuid.NewString()
	}
	return value
}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

// LoggerWithRequestID returns the default logger annotated with the request
// id from ctx, if any.
func LoggerWithRequestID(ctx context.Context) *slog.Logger {
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		return slog.Default()
	}
	return slog.Default().With("request_id", requestID)
}
