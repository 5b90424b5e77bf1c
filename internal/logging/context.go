package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	tenantKey    struct{}
	operationKey struct{}
	requestKey   struct{}
)

// Values that do not look like identifiers are never attached, so request
// input cannot inject arbitrary log fields.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// WithTenant tags ctx with a tenant. Invalid names are ignored.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return withID(ctx, tenantKey{}, tenant)
}

// WithOperation tags ctx with a pipeline operation such as "drain" or "search".
func WithOperation(ctx context.Context, op string) context.Context {
	return withID(ctx, operationKey{}, op)
}

// WithRequestID tags ctx with the transport's request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestKey{}, id)
}

func withID(ctx context.Context, key any, v string) context.Context {
	if !idPattern.MatchString(v) {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

// ContextFields returns the correlation fields carried by ctx: trace and
// span ids, tenant, operation and request id.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		fields = append(fields, zap.String("tenant", v))
	}
	if v, ok := ctx.Value(operationKey{}).(string); ok {
		fields = append(fields, zap.String("operation", v))
	}
	if v, ok := ctx.Value(requestKey{}).(string); ok {
		fields = append(fields, zap.String("request_id", v))
	}
	return fields
}

// For returns l with ctx's correlation fields attached.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
