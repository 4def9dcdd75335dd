package pulse

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	domaincorridor "github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/service/anomaly"
)

const persistTimeout = 5 * time.Second

// observer fans closures out to persistence, metrics and alerts. While
// replaying it only persists.
type observer struct {
	engine *Engine
	replay atomic.Bool
}

func newObserver(e *Engine, replay bool) *observer {
	o := &observer{engine: e}
	o.replay.Store(replay)
	return o
}

func (o *observer) goLive() {
	o.replay.Store(false)
}

func (o *observer) WindowClosed(view cohort.WindowView) {
	e := o.engine
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if e.windows != nil {
		if err := e.windows.SaveWindow(ctx, view); err != nil {
			e.logger.Warn("failed to persist closed window",
				zap.String("cohort_key", view.Key.String()),
				zap.Time("window_start", view.WindowStart),
				zap.Error(err))
		}
	}
	if o.replay.Load() {
		return
	}

	e.recorder.WindowClosed(ctx, view.Status)
	if !view.IsAnomalous() {
		return
	}
	view.Risk = anomaly.Assess(view.Window, e.cfg.Calendar)
	e.logger.Info("anomalous window",
		zap.String("cohort_key", view.Key.String()),
		zap.Time("window_start", view.WindowStart),
		zap.Int64("event_count", view.EventCount),
		zap.Float64("z_score", view.ZScore),
		zap.String("risk_level", string(view.Risk.Level)))
	e.publish(ctx, alert.New(alert.KindAnomaly, view.Key.String(), view.WindowEnd, view))
}

func (o *observer) LateEvent(key cohort.Key, windowStart time.Time) {
	if o.replay.Load() {
		return
	}
	o.engine.recorder.LateEvent(context.Background())
	o.engine.logger.Debug("late event",
		zap.String("cohort_key", key.String()),
		zap.Time("window_start", windowStart))
}

func (o *observer) FlowClosed(f domaincorridor.Flow) {
	e := o.engine
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if e.windows != nil {
		if err := e.windows.SaveFlow(ctx, f); err != nil {
			e.logger.Warn("failed to persist corridor flow",
				zap.String("corridor", f.Pair().String()),
				zap.Error(err))
		}
	}
	if o.replay.Load() {
		return
	}

	e.recorder.FlowClosed(ctx, f.IsSpike)
	if f.IsSpike {
		e.publish(ctx, alert.New(alert.KindCorridorSpike, f.Pair().String(), f.WindowEnd, f))
	}
}
