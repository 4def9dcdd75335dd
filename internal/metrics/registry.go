package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// Registry holds the detection engine's OpenTelemetry instruments. It
// implements the engine's Recorder.
type Registry struct {
	meter metric.Meter

	// Ingestion
	EventsAppended metric.Int64Counter
	EventsRejected metric.Int64Counter
	LateEvents     metric.Int64Counter

	// Closure
	WindowsClosed metric.Int64Counter
	FlowsClosed   metric.Int64Counter

	// Gap scans
	GapScanDuration metric.Float64Histogram

	// Alerts
	AlertsPublished metric.Int64Counter
	AlertsFailed    metric.Int64Counter
	DLQDepth        metric.Int64ObservableGauge

	mu       sync.RWMutex
	dlqDepth int64
}

// NewRegistry registers the instruments on the global meter provider.
func NewRegistry(meterName string) (*Registry, error) {
	return NewRegistryWithProvider(otel.GetMeterProvider(), meterName)
}

func NewRegistryWithProvider(mp metric.MeterProvider, meterName string) (*Registry, error) {
	r := &Registry{meter: mp.Meter(meterName)}

	if err := r.initIngestMetrics(); err != nil {
		return nil, err
	}
	if err := r.initClosureMetrics(); err != nil {
		return nil, err
	}
	if err := r.initAlertMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initIngestMetrics() error {
	var err error

	r.EventsAppended, err = r.meter.Int64Counter(
		"prerana.events.appended_total",
		metric.WithDescription("Events accepted into the log"),
	)
	if err != nil {
		return err
	}

	r.EventsRejected, err = r.meter.Int64Counter(
		"prerana.events.rejected_total",
		metric.WithDescription("Events rejected by validation, by error code"),
	)
	if err != nil {
		return err
	}

	r.LateEvents, err = r.meter.Int64Counter(
		"prerana.events.late_total",
		metric.WithDescription("Events that arrived after their window closed"),
	)
	return err
}

func (r *Registry) initClosureMetrics() error {
	var err error

	r.WindowsClosed, err = r.meter.Int64Counter(
		"prerana.windows.closed_total",
		metric.WithDescription("Cohort windows closed, by status"),
	)
	if err != nil {
		return err
	}

	r.FlowsClosed, err = r.meter.Int64Counter(
		"prerana.corridors.closed_total",
		metric.WithDescription("Corridor buckets closed"),
	)
	if err != nil {
		return err
	}

	r.GapScanDuration, err = r.meter.Float64Histogram(
		"prerana.gap.scan_duration",
		metric.WithDescription("Duration of enrolment gap scans in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 50, 100, 500, 1000, 5000, 10000),
	)
	return err
}

func (r *Registry) initAlertMetrics() error {
	var err error

	r.AlertsPublished, err = r.meter.Int64Counter(
		"prerana.alerts.published_total",
		metric.WithDescription("Alerts delivered to the transport"),
	)
	if err != nil {
		return err
	}

	r.AlertsFailed, err = r.meter.Int64Counter(
		"prerana.alerts.failed_total",
		metric.WithDescription("Alerts moved to the dead-letter queue"),
	)
	if err != nil {
		return err
	}

	r.DLQDepth, err = r.meter.Int64ObservableGauge(
		"prerana.alerts.dlq_depth",
		metric.WithDescription("Alerts waiting in the dead-letter queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.dlqDepth)
			return nil
		}),
	)
	return err
}

func (r *Registry) EventAppended(ctx context.Context, t event.Type, held bool) {
	r.EventsAppended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(t)),
		attribute.Bool("held", held),
	))
}

func (r *Registry) EventRejected(ctx context.Context, code string) {
	r.EventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (r *Registry) LateEvent(ctx context.Context) {
	r.LateEvents.Add(ctx, 1)
}

func (r *Registry) WindowClosed(ctx context.Context, status cohort.Status) {
	r.WindowsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (r *Registry) FlowClosed(ctx context.Context, spike bool) {
	r.FlowsClosed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("spike", spike)))
}

func (r *Registry) GapScan(ctx context.Context, d time.Duration, stale bool) {
	r.GapScanDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(attribute.Bool("stale", stale)))
}

// AlertDelivered counts one publish outcome for an alert kind.
func (r *Registry) AlertDelivered(ctx context.Context, kind string, ok bool) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if ok {
		r.AlertsPublished.Add(ctx, 1, attrs)
		return
	}
	r.AlertsFailed.Add(ctx, 1, attrs)
}

// SetDLQDepth sets the dead-letter queue depth
func (r *Registry) SetDLQDepth(depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlqDepth = int64(depth)
}
