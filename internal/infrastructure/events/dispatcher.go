package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
	"github.com/aadhaar-prerana/prerana-core/internal/service/pulse"
)

// DeliveryRecorder receives delivery outcomes.
type DeliveryRecorder interface {
	AlertDelivered(ctx context.Context, kind string, ok bool)
	SetDLQDepth(depth int)
}

type nopDeliveryRecorder struct{}

func (nopDeliveryRecorder) AlertDelivered(context.Context, string, bool) {}
func (nopDeliveryRecorder) SetDLQDepth(int)                              {}

type DispatcherConfig struct {
	QueueSize      int
	PublishTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      1024,
		PublishTimeout: 5 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   200 * time.Millisecond,
	}
}

// Dispatcher is the engine's AlertPublisher. Publish only enqueues; a single
// worker delivers in order, retries, and dead-letters what it cannot send.
type Dispatcher struct {
	transport Transport
	dlq       *DeadLetterQueue
	recorder  DeliveryRecorder
	clock     clock.Clock
	tracer    *telemetry.Tracer
	logger    *zap.Logger
	cfg       DispatcherConfig

	mu     sync.RWMutex
	closed bool
	queue  chan alert.Alert
	done   chan struct{}
}

var _ pulse.AlertPublisher = (*Dispatcher)(nil)

func NewDispatcher(t Transport, dlq *DeadLetterQueue, recorder DeliveryRecorder, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if recorder == nil {
		recorder = nopDeliveryRecorder{}
	}
	d := &Dispatcher{
		transport: t,
		dlq:       dlq,
		recorder:  recorder,
		clock:     clock.RealClock{},
		tracer:    telemetry.NewTracer("prerana-core/events"),
		logger:    logger,
		cfg:       cfg,
		queue:     make(chan alert.Alert, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish enqueues a. A full queue dead-letters the alert immediately.
func (d *Dispatcher) Publish(ctx context.Context, a alert.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- a:
		return nil
	default:
		d.deadLetter(ctx, a, ErrQueueFull.Error(), 0)
		return ErrQueueFull
	}
}

// DeadLetters exposes the queue for inspection and retry.
func (d *Dispatcher) DeadLetters() *DeadLetterQueue {
	return d.dlq
}

// RetryDeadLetters makes one delivery attempt per dead-lettered alert and
// drops the ones that succeed. It returns how many were delivered.
func (d *Dispatcher) RetryDeadLetters(ctx context.Context) int {
	delivered := 0
	for _, f := range d.dlq.Failed(0) {
		if ctx.Err() != nil {
			break
		}
		if err := d.send(ctx, f.Alert); err != nil {
			d.dlq.Add(f.Alert, err.Error(), 1)
			continue
		}
		if d.dlq.Retried(f.Alert.ID) == nil {
			delivered++
		}
	}
	d.recorder.SetDLQDepth(d.dlq.Len())
	if delivered > 0 {
		d.logger.Info("redelivered dead-lettered alerts", zap.Int("count", delivered))
	}
	return delivered
}

// Close stops accepting alerts, drains the queue and closes the transport.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.transport.Close()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.queue {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a alert.Alert) {
	ctx := context.Background()
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.send(ctx, a); err == nil {
			return
		}
		d.logger.Debug("alert delivery failed",
			zap.String("alert_id", a.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < d.cfg.MaxAttempts && d.cfg.RetryBackoff > 0 {
			time.Sleep(d.cfg.RetryBackoff * time.Duration(attempt))
		}
	}
	d.deadLetter(ctx, a, err.Error(), d.cfg.MaxAttempts)
}

func (d *Dispatcher) send(ctx context.Context, a alert.Alert) error {
	msg, err := Encode(a, d.clock.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	ctx, span := telemetry.StartMessagingSpan(ctx, d.tracer, string(d.transport.Protocol()), msg.Kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("alert.id", a.ID.String()),
		attribute.String("alert.subject", a.Subject),
	)

	err = d.transport.Send(ctx, msg)
	telemetry.RecordError(span, err)
	d.recorder.AlertDelivered(ctx, msg.Kind, err == nil)
	return err
}

func (d *Dispatcher) deadLetter(ctx context.Context, a alert.Alert, reason string, attempts int) {
	d.dlq.Add(a, reason, attempts)
	if attempts == 0 {
		d.recorder.AlertDelivered(ctx, string(a.Kind), false)
	}
	d.recorder.SetDLQDepth(d.dlq.Len())
}
