package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewSlogLogger_AddsTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "debug").With("component", "rest")
	logger.InfoContext(ctx, "request handled")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "request handled", rec["msg"])
	assert.Equal(t, "rest", rec["component"])
	assert.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
	assert.Equal(t, true, rec["sampled"])
}

func TestNewSlogLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(&buf, "warn")
	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger("debug", "production")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	logger, err = NewZapLogger("bogus", "development")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "unknown levels fall back to info")
}

func TestInitializeOpenTelemetry_Disabled(t *testing.T) {
	p, err := InitializeOpenTelemetry(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, p.MeterProvider)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTracer_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tracer := NewTracer("prerana-test")
	ctx, span := StartServiceSpan(context.Background(), tracer, "engine", "AppendEvent", map[string]interface{}{"event.type": "ENROLMENT"})
	assert.True(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceFields(context.Background()))
	assert.Len(t, TraceFields(ctx), 2)
	RecordError(span, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "engine.AppendEvent", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Contains(t, spans[0].Attributes, attribute.String("event.type", "ENROLMENT"))
}

func TestAttributes(t *testing.T) {
	attrs := Attributes(map[string]interface{}{"n": 3, "ok": true, "f": 1.5, "s": []string{"a"}})
	assert.Len(t, attrs, 4)
}
