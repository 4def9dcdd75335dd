package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans for one instrumentation scope. It resolves the
// global provider on every call so providers installed after construction
// take effect.
type Tracer struct {
	name string
}

func NewTracer(name string) *Tracer {
	return &Tracer{name: name}
}

func (t *Tracer) Start(ctx context.Context, spanName string, attrs map[string]interface{}, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(Attributes(attrs)...))
	}
	return otel.Tracer(t.name).Start(ctx, spanName, opts...)
}

// RecordError marks span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attributes converts a loosely typed map to span attributes.
func Attributes(attrs map[string]interface{}) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			result = append(result, attribute.String(k, val))
		case int:
			result = append(result, attribute.Int(k, val))
		case int64:
			result = append(result, attribute.Int64(k, val))
		case float64:
			result = append(result, attribute.Float64(k, val))
		case bool:
			result = append(result, attribute.Bool(k, val))
		case []string:
			result = append(result, attribute.StringSlice(k, val))
		case fmt.Stringer:
			result = append(result, attribute.String(k, val.String()))
		default:
			result = append(result, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return result
}

// StartDatabaseSpan starts a client span for a PostgreSQL statement.
func StartDatabaseSpan(ctx context.Context, tracer *Tracer, operation, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("db.%s %s", operation, table), map[string]interface{}{
		"db.operation": operation,
		"db.sql.table": table,
		"db.system":    "postgresql",
	}, trace.WithSpanKind(trace.SpanKindClient))
}

// StartMessagingSpan starts a producer span for an alert publish.
func StartMessagingSpan(ctx context.Context, tracer *Tracer, system, destination string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("%s publish %s", system, destination), map[string]interface{}{
		"messaging.system":      system,
		"messaging.operation":   "publish",
		"messaging.destination": destination,
	}, trace.WithSpanKind(trace.SpanKindProducer))
}

// StartServiceSpan starts an internal span around an engine operation.
func StartServiceSpan(ctx context.Context, tracer *Tracer, service, operation string, attrs map[string]interface{}) (context.Context, trace.Span) {
	merged := map[string]interface{}{
		"service.component": service,
		"service.operation": operation,
	}
	for k, v := range attrs {
		merged[k] = v
	}
	return tracer.Start(ctx, service+"."+operation, merged, trace.WithSpanKind(trace.SpanKindInternal))
}
