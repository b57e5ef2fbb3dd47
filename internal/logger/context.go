package logger

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey    struct{}
	requestIDKey struct{}
)

// ContextWithLogger stores a logger in the context.
func ContextWithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context logger, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// WithRequest tags the context logger with the graph request id and exec
// endpoint and remembers the id for RequestID. Empty values are not logged.
func WithRequest(ctx context.Context, requestID, endpoint string) context.Context {
	var fields []zap.Field
	if requestID != "" {
		fields = append(fields, zap.String("graph_request_id", requestID))
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	}
	if endpoint != "" {
		fields = append(fields, zap.String("exec_endpoint", endpoint))
	}
	if len(fields) == 0 {
		return ctx
	}
	return ContextWithLogger(ctx, FromContext(ctx).With(fields...))
}

// RequestID returns the graph request id stored by WithRequest.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
