package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	domaincorridor "github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	domainfreeze "github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
	domaingap "github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
	"github.com/aadhaar-prerana/prerana-core/internal/service/aggregation"
	"github.com/aadhaar-prerana/prerana-core/internal/service/anomaly"
	"github.com/aadhaar-prerana/prerana-core/internal/service/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/service/gap"
)

// Deps are the engine's collaborators. Events, Freezes and Clock are
// required; the rest fall back to in-process or no-op implementations.
type Deps struct {
	Events       eventstore.Repository
	Freezes      freeze.Repository
	RankingCache gap.RankingCache
	Windows      WindowRepository
	Alerts       AlertPublisher
	Recorder     Recorder
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Engine is the query and ingestion facade over the detection core.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	store    *eventstore.Store
	scorer   *anomaly.Scorer
	freezes  *freeze.Registry
	gaps     *gap.Tracker
	windows  WindowRepository
	alerts   AlertPublisher
	recorder Recorder

	// mu guards the derived state. Appends and queries hold it shared;
	// Rebuild holds it exclusively while it swaps in replayed state.
	mu        sync.RWMutex
	agg       *aggregation.Aggregator
	corridors *corridor.Tracker
	observer  *observer
}

// New wires the engine and starts its aggregation workers. Call Close to
// stop them.
func New(ctx context.Context, deps Deps, cfg Config) (*Engine, error) {
	if deps.Events == nil || deps.Freezes == nil || deps.Clock == nil {
		return nil, fmt.Errorf("pulse: events, freezes and clock are required")
	}
	cfg = cfg.normalized()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	store, err := eventstore.Open(ctx, deps.Events, deps.Clock, cfg.Store, logger.Named("eventstore"))
	if err != nil {
		return nil, err
	}
	registry, err := freeze.NewRegistry(ctx, deps.Freezes, deps.Clock, cfg.Freeze, logger.Named("freeze"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		clock:    deps.Clock,
		logger:   logger,
		store:    store,
		scorer:   anomaly.NewScorer(cfg.Anomaly),
		freezes:  registry,
		gaps:     gap.NewTracker(store, deps.RankingCache, deps.Clock, cfg.Gap, logger.Named("gap")),
		windows:  deps.Windows,
		alerts:   deps.Alerts,
		recorder: recorder,
	}
	e.observer = newObserver(e, false)
	e.agg, e.corridors = e.newDerivedState(e.observer)
	e.agg.Start()

	store.SetHoldPolicy(registry)
	store.Subscribe(eventstore.ListenerFunc(e.onAppend))
	return e, nil
}

func (e *Engine) newDerivedState(obs *observer) (*aggregation.Aggregator, *corridor.Tracker) {
	agg := aggregation.New(e.cfg.Aggregation, e.scorer, obs, e.logger.Named("aggregation"))
	tracker := corridor.NewTracker(e.cfg.Corridor, obs, e.logger.Named("corridor"))
	return agg, tracker
}

// Close stops the aggregation workers.
func (e *Engine) Close() {
	e.mu.RLock()
	agg := e.agg
	e.mu.RUnlock()
	agg.Stop()
}

// onAppend runs under the subject lock with e.mu held shared by AppendEvent.
func (e *Engine) onAppend(_ context.Context, ev event.Event) {
	e.agg.Ingest(ev)
	e.corridors.Observe(ev)
}

// horizon is the latest bucket end that may be closed now. It never passes
// an append still on its way to the aggregates.
func (e *Engine) horizon() time.Time {
	return e.store.Watermark(e.cfg.Aggregation.AllowedLateness)
}

// AppendEvent validates and stores ev and feeds it to the aggregates.
func (e *Engine) AppendEvent(ctx context.Context, ev event.Event) (uuid.UUID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stored, err := e.store.Append(ctx, ev)
	if err != nil {
		if appErr, ok := errors.AsAppError(err); ok && appErr.Type == errors.ErrorTypeValidation {
			e.recorder.EventRejected(ctx, appErr.Code)
		}
		return uuid.Nil, err
	}
	e.recorder.EventAppended(ctx, stored.Type, stored.Held)
	return stored.ID, nil
}

// GetCohortWindow returns the window of key containing windowStart,
// closing any due buckets of the key first.
func (e *Engine) GetCohortWindow(ctx context.Context, key cohort.Key, windowStart time.Time) (*cohort.WindowView, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.agg.Close(ctx, key, e.horizon()); err != nil {
		return nil, errors.NewInternalError("failed to close due windows").WithCause(err)
	}
	view, ok := e.agg.Window(key, windowStart)
	if !ok {
		nf := errors.NewNotFoundError("cohort window")
		if late := e.agg.LateEvents(key, windowStart); late > 0 {
			nf = nf.WithDetails(map[string]interface{}{"late_events": late})
		}
		return nil, nf
	}
	return e.decorate(view), nil
}

func (e *Engine) decorate(view cohort.WindowView) *cohort.WindowView {
	view.Risk = anomaly.Assess(view.Window, e.cfg.Calendar)
	view.Frozen = e.freezes.Active(view.Key, e.clock.Now()) != nil
	return &view
}

// ListAnomalousWindows returns anomalous windows overlapping tr with a
// z-score of at least minZ.
func (e *Engine) ListAnomalousWindows(ctx context.Context, tr event.TimeRange, minZ float64) ([]*cohort.WindowView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.agg.CloseAll(ctx, e.horizon()); err != nil {
		return nil, errors.NewInternalError("failed to close due windows").WithCause(err)
	}
	views := e.agg.Anomalies(tr, minZ)
	out := make([]*cohort.WindowView, 0, len(views))
	for _, v := range views {
		out = append(out, e.decorate(v))
	}
	return out, nil
}

// GetCorridorFlow returns the flow from src to dst in the bucket containing
// windowStart.
func (e *Engine) GetCorridorFlow(ctx context.Context, src, dst domaincorridor.Region, windowStart time.Time) (*domaincorridor.FlowView, error) {
	if src.IsZero() || dst.IsZero() {
		return nil, errors.NewValidationError("INVALID_REGION", "source and destination are required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.corridors.Close(ctx, e.horizon()); err != nil {
		return nil, errors.NewInternalError("failed to close due corridors").WithCause(err)
	}
	view, ok := e.corridors.Flow(domaincorridor.Pair{Source: src, Destination: dst}, windowStart)
	if !ok {
		return nil, errors.NewNotFoundError("corridor flow")
	}
	return &view, nil
}

// ListTopCorridors returns closed flows in tr ordered by velocity.
func (e *Engine) ListTopCorridors(ctx context.Context, tr event.TimeRange, limit int) ([]*domaincorridor.FlowView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.corridors.Close(ctx, e.horizon()); err != nil {
		return nil, errors.NewInternalError("failed to close due corridors").WithCause(err)
	}
	views := e.corridors.Top(tr, limit)
	out := make([]*domaincorridor.FlowView, 0, len(views))
	for i := range views {
		out = append(out, &views[i])
	}
	return out, nil
}

// RankDistrictsByGap ranks the districts of state by enrolment gap.
func (e *Engine) RankDistrictsByGap(ctx context.Context, state string, limit int) (*domaingap.Ranking, error) {
	start := time.Now()
	ranking, err := e.gaps.RankDistricts(ctx, state, limit)
	if err != nil {
		return nil, err
	}
	e.recorder.GapScan(ctx, time.Since(start), ranking.Stale)
	return ranking, nil
}

// ListGapRecords lists the subjects of one district that are in gap.
func (e *Engine) ListGapRecords(ctx context.Context, state, district string) (*domaingap.RecordSet, error) {
	if state == "" || district == "" {
		return nil, errors.NewValidationError("MISSING_DISTRICT", "state and district are required")
	}
	return e.gaps.Records(ctx, state, district)
}

// DeploymentPlan assigns mobile vans to the HIGH and CRITICAL gap
// districts of state.
func (e *Engine) DeploymentPlan(ctx context.Context, state string, maxVans int) (*domaingap.DeploymentPlan, error) {
	if state == "" {
		return nil, errors.NewValidationError("MISSING_STATE", "state is required")
	}
	start := time.Now()
	plan, err := e.gaps.DeploymentPlan(ctx, state, maxVans)
	if err != nil {
		return nil, err
	}
	e.recorder.GapScan(ctx, time.Since(start), plan.Stale)
	return plan, nil
}

// FreezeCohort records a freeze ticket. Future events of key are held for
// review; nothing already stored changes.
func (e *Engine) FreezeCohort(ctx context.Context, key cohort.Key, authorizedBy, reason string) (*domainfreeze.Ticket, error) {
	ticket, err := e.freezes.Freeze(ctx, key, authorizedBy, reason)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, alert.New(alert.KindCohortFrozen, key.String(), ticket.CreatedAt, ticket))
	return ticket, nil
}

// FreezeTickets lists the freeze history of key.
func (e *Engine) FreezeTickets(key cohort.Key) []*domainfreeze.Ticket {
	return e.freezes.Tickets(key)
}

// Snapshot returns every retained closed window and corridor flow in a
// stable order. Two engines fed the same log in the same order return
// identical snapshots.
func (e *Engine) Snapshot(ctx context.Context) ([]cohort.WindowView, []domaincorridor.Flow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.agg.Flush(ctx); err != nil {
		return nil, nil, err
	}
	return e.agg.Snapshot(), e.corridors.Snapshot(), nil
}

// Rebuild discards derived state and replays the whole log in
// (Timestamp, Sequence) order. Appends wait until it finishes. Alerts are
// not re-raised for replayed closures.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	obs := newObserver(e, true)
	agg, tracker := e.newDerivedState(obs)
	agg.Start()

	replayed := 0
	for ev, err := range e.store.Query(ctx, event.Filter{}, event.TimeRange{}) {
		if err != nil {
			agg.Stop()
			return errors.NewInternalError("failed to replay event log").WithCause(err)
		}
		agg.Ingest(ev)
		tracker.Observe(ev)
		replayed++
	}

	horizon := e.horizon()
	if err := agg.CloseAll(ctx, horizon); err != nil {
		agg.Stop()
		return errors.NewInternalError("failed to close replayed windows").WithCause(err)
	}
	if err := tracker.Close(ctx, horizon); err != nil {
		agg.Stop()
		return errors.NewInternalError("failed to close replayed corridors").WithCause(err)
	}

	old := e.agg
	obs.goLive()
	e.agg, e.corridors, e.observer = agg, tracker, obs
	old.Stop()

	e.logger.Info("derived state rebuilt",
		zap.Int("events", replayed),
		zap.Int("cohort_keys", agg.Keys()),
		zap.Duration("took", time.Since(started)))
	return nil
}

func (e *Engine) publish(ctx context.Context, a alert.Alert) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Publish(ctx, a); err != nil {
		e.logger.Warn("failed to publish alert",
			zap.String("kind", string(a.Kind)),
			zap.String("subject", a.Subject),
			zap.Error(err))
	}
}
