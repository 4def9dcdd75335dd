package pulse

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run drives window closure and gap refresh until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine scheduler started",
		zap.Duration("closure_interval", e.cfg.SchedulerInterval),
		zap.Duration("gap_refresh_interval", e.cfg.GapRefreshInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.every(ctx, "closure", e.cfg.SchedulerInterval, e.Tick)
	})
	g.Go(func() error {
		return e.every(ctx, "gap_refresh", e.cfg.GapRefreshInterval, e.refreshGaps)
	})

	err := g.Wait()
	e.logger.Info("engine scheduler stopped")
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
			}
		}
	}
}

// Tick closes every cohort window and corridor bucket that is due. The
// corridor rollup is bounded by RecomputeTimeout; corridors it did not
// reach close on the next tick.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	horizon := e.horizon()
	if err := e.agg.CloseAll(ctx, horizon); err != nil {
		return err
	}

	rollupCtx, cancel := context.WithTimeout(ctx, e.cfg.RecomputeTimeout)
	defer cancel()
	if err := e.corridors.Close(rollupCtx, horizon); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warn("corridor rollup timed out, continuing next tick",
				zap.Duration("timeout", e.cfg.RecomputeTimeout))
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) refreshGaps(ctx context.Context) error {
	ranking, err := e.RankDistrictsByGap(ctx, "", 0)
	if err != nil {
		return err
	}
	if ranking.Stale {
		e.logger.Warn("gap refresh returned a stale ranking",
			zap.Time("generated_at", ranking.GeneratedAt))
	}
	return nil
}
