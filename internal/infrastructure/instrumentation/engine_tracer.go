package instrumentation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
)

// engine is the query and ingestion surface being wrapped.
type engine interface {
	AppendEvent(ctx context.Context, e event.Event) (uuid.UUID, error)
	GetCohortWindow(ctx context.Context, key cohort.Key, windowStart time.Time) (*cohort.WindowView, error)
	ListAnomalousWindows(ctx context.Context, tr event.TimeRange, minZ float64) ([]*cohort.WindowView, error)
	GetCorridorFlow(ctx context.Context, src, dst corridor.Region, windowStart time.Time) (*corridor.FlowView, error)
	ListTopCorridors(ctx context.Context, tr event.TimeRange, limit int) ([]*corridor.FlowView, error)
	RankDistrictsByGap(ctx context.Context, state string, limit int) (*gap.Ranking, error)
	ListGapRecords(ctx context.Context, state, district string) (*gap.RecordSet, error)
	DeploymentPlan(ctx context.Context, state string, maxVans int) (*gap.DeploymentPlan, error)
	FreezeCohort(ctx context.Context, key cohort.Key, authorizedBy, reason string) (*freeze.Ticket, error)
}

// TracedEngine wraps the engine with a span and a latency histogram per
// operation.
type TracedEngine struct {
	inner    engine
	tracer   *telemetry.Tracer
	duration metric.Float64Histogram
}

func NewTracedEngine(inner engine, mp metric.MeterProvider) (*TracedEngine, error) {
	duration, err := mp.Meter("prerana-core/engine").Float64Histogram(
		"prerana.engine.operation_duration",
		metric.WithDescription("Engine operation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &TracedEngine{
		inner:    inner,
		tracer:   telemetry.NewTracer("prerana-core/engine"),
		duration: duration,
	}, nil
}

func (t *TracedEngine) start(ctx context.Context, op string, attrs map[string]interface{}) (context.Context, trace.Span, func(error)) {
	ctx, span := telemetry.StartServiceSpan(ctx, t.tracer, "pulse", op, attrs)
	started := time.Now()
	return ctx, span, func(err error) {
		t.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000,
			metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("outcome", outcome(err)),
			))
		telemetry.RecordError(span, err)
		span.End()
	}
}

// outcome buckets an error for metric labels.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr, ok := errors.AsAppError(err); ok {
		return string(appErr.Type)
	}
	return "error"
}

func (t *TracedEngine) AppendEvent(ctx context.Context, e event.Event) (uuid.UUID, error) {
	ctx, span, done := t.start(ctx, "AppendEvent", map[string]interface{}{
		"event.type":  string(e.Type),
		"event.state": e.Location.State,
	})
	id, err := t.inner.AppendEvent(ctx, e)
	if err == nil {
		span.SetAttributes(attribute.String("event.id", id.String()))
	}
	done(err)
	return id, err
}

func (t *TracedEngine) GetCohortWindow(ctx context.Context, key cohort.Key, windowStart time.Time) (*cohort.WindowView, error) {
	ctx, span, done := t.start(ctx, "GetCohortWindow", map[string]interface{}{
		"cohort.key":   key.String(),
		"window.start": windowStart.Format(time.RFC3339),
	})
	view, err := t.inner.GetCohortWindow(ctx, key, windowStart)
	if err == nil {
		span.SetAttributes(
			attribute.String("window.status", string(view.Status)),
			attribute.Int64("window.event_count", view.EventCount),
		)
	}
	done(err)
	return view, err
}

func (t *TracedEngine) ListAnomalousWindows(ctx context.Context, tr event.TimeRange, minZ float64) ([]*cohort.WindowView, error) {
	ctx, span, done := t.start(ctx, "ListAnomalousWindows", map[string]interface{}{"min_z": minZ})
	views, err := t.inner.ListAnomalousWindows(ctx, tr, minZ)
	span.SetAttributes(attribute.Int("result.count", len(views)))
	done(err)
	return views, err
}

func (t *TracedEngine) GetCorridorFlow(ctx context.Context, src, dst corridor.Region, windowStart time.Time) (*corridor.FlowView, error) {
	ctx, _, done := t.start(ctx, "GetCorridorFlow", map[string]interface{}{
		"corridor.source":      src.String(),
		"corridor.destination": dst.String(),
	})
	view, err := t.inner.GetCorridorFlow(ctx, src, dst, windowStart)
	done(err)
	return view, err
}

func (t *TracedEngine) ListTopCorridors(ctx context.Context, tr event.TimeRange, limit int) ([]*corridor.FlowView, error) {
	ctx, span, done := t.start(ctx, "ListTopCorridors", map[string]interface{}{"limit": limit})
	views, err := t.inner.ListTopCorridors(ctx, tr, limit)
	span.SetAttributes(attribute.Int("result.count", len(views)))
	done(err)
	return views, err
}

func (t *TracedEngine) RankDistrictsByGap(ctx context.Context, state string, limit int) (*gap.Ranking, error) {
	ctx, span, done := t.start(ctx, "RankDistrictsByGap", map[string]interface{}{
		"gap.state": state,
		"limit":     limit,
	})
	ranking, err := t.inner.RankDistrictsByGap(ctx, state, limit)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("gap.stale", ranking.Stale),
			attribute.Int("result.count", len(ranking.Rows)),
		)
	}
	done(err)
	return ranking, err
}

func (t *TracedEngine) ListGapRecords(ctx context.Context, state, district string) (*gap.RecordSet, error) {
	ctx, _, done := t.start(ctx, "ListGapRecords", map[string]interface{}{
		"gap.state":    state,
		"gap.district": district,
	})
	records, err := t.inner.ListGapRecords(ctx, state, district)
	done(err)
	return records, err
}

func (t *TracedEngine) DeploymentPlan(ctx context.Context, state string, maxVans int) (*gap.DeploymentPlan, error) {
	ctx, span, done := t.start(ctx, "DeploymentPlan", map[string]interface{}{
		"gap.state": state,
		"max_vans":  maxVans,
	})
	plan, err := t.inner.DeploymentPlan(ctx, state, maxVans)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("gap.stale", plan.Stale),
			attribute.Int("result.count", len(plan.Deployments)),
		)
	}
	done(err)
	return plan, err
}

func (t *TracedEngine) FreezeCohort(ctx context.Context, key cohort.Key, authorizedBy, reason string) (*freeze.Ticket, error) {
	ctx, span, done := t.start(ctx, "FreezeCohort", map[string]interface{}{
		"cohort.key": key.String(),
	})
	ticket, err := t.inner.FreezeCohort(ctx, key, authorizedBy, reason)
	if err == nil {
		span.AddEvent("cohort_frozen", trace.WithAttributes(
			attribute.String("ticket.id", ticket.ID.String()),
			attribute.String("ticket.expires_at", ticket.ExpiresAt.Format(time.RFC3339)),
		))
	}
	done(err)
	return ticket, err
}
