package gap

import (
	"cmp"
	"context"
	stderrors "errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
)

const (
	DefaultTimeout = 10 * time.Second
	cacheTimeout   = 2 * time.Second
)

// Config tunes the gap tracker.
type Config struct {
	Policy Policy
	// Timeout bounds one scan of the log.
	Timeout time.Duration
}

// Tracker derives subjects from the log on every call; nothing it reports
// is stored as ground truth.
type Tracker struct {
	source EventSource
	cache  RankingCache
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

func NewTracker(source EventSource, cache RankingCache, clk clock.Clock, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{source: source, cache: cache, clock: clk, cfg: cfg, logger: logger}
}

// scan folds ENROLMENT and BIOMETRIC_UPDATE events into subjects. It
// reports complete=false when the scan hit its timeout, in which case
// subjects holds what was read so far.
func (t *Tracker) scan(ctx context.Context) (map[string]*domain.Subject, bool, error) {
	scanCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	subjects := make(map[string]*domain.Subject)
	filter := event.Filter{Types: []event.Type{event.TypeEnrolment, event.TypeBiometricUpdate}}
	for e, err := range t.source.Query(scanCtx, filter, event.TimeRange{}) {
		if err != nil {
			if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
				return subjects, false, nil
			}
			return nil, false, err
		}
		if e.Held {
			continue
		}
		s, ok := subjects[e.SubjectID]
		if !ok {
			s = &domain.Subject{ID: e.SubjectID}
			subjects[e.SubjectID] = s
		}
		switch e.Type {
		case event.TypeEnrolment:
			if !s.HasEnrolmentEvent || e.Timestamp.Before(s.EnrolledAt) {
				s.HasEnrolmentEvent = true
				s.EnrolledAt = e.Timestamp
				s.AgeAtEnrolment = e.Age
				s.State = e.Location.State
				s.District = e.Location.District
				s.Pincode = e.Location.Pincode.String()
			}
		case event.TypeBiometricUpdate:
			if e.Timestamp.After(s.LastBiometricUpdate) {
				s.LastBiometricUpdate = e.Timestamp
			}
		}
	}
	return subjects, true, nil
}

func (t *Tracker) record(s *domain.Subject, now time.Time) domain.Record {
	// Enrolments stamped ahead of now, within clock skew, count as day 0.
	days := max(0, int(now.Sub(s.EnrolledAt)/(24*time.Hour)))
	done := s.BiometricUpdateDone()
	return domain.Record{
		SubjectID:           s.ID,
		District:            s.District,
		State:               s.State,
		DaysSinceEnrolment:  days,
		BiometricUpdateDone: done,
		InGap:               !done && days > t.cfg.Policy.ThresholdFor(s.State, s.District),
	}
}

// RankDistricts ranks the districts of state (all states when empty) by gap
// count, then gap rate descending, then district and state ascending. On a
// scan timeout it returns the last complete ranking, or the partial one,
// marked Stale.
func (t *Tracker) RankDistricts(ctx context.Context, state string, limit int) (*domain.Ranking, error) {
	now := t.clock.Now()
	subjects, complete, err := t.scan(ctx)
	if err != nil {
		return nil, errors.NewInternalError("failed to scan event log").WithCause(err)
	}

	if !complete {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
		defer cancel()
		if cached, err := t.cache.Get(cacheCtx, state); err == nil {
			t.logger.Warn("gap scan timed out, serving last complete ranking",
				zap.String("state", state),
				zap.Time("generated_at", cached.GeneratedAt))
			cached.Stale = true
			cached.Rows = truncate(cached.Rows, limit)
			return cached, nil
		} else if !errors.IsNotFound(err) {
			t.logger.Warn("failed to read ranking cache", zap.Error(err))
		}
		t.logger.Warn("gap scan timed out, serving partial ranking",
			zap.String("state", state),
			zap.Int("subjects_scanned", len(subjects)))
	}

	ranking := &domain.Ranking{
		Rows:        t.aggregate(subjects, state, now),
		Stale:       !complete,
		Partial:     !complete,
		GeneratedAt: now,
	}

	if complete {
		cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
		defer cancel()
		if err := t.cache.Set(cacheCtx, state, ranking); err != nil {
			t.logger.Warn("failed to cache gap ranking", zap.String("state", state), zap.Error(err))
		}
	}

	ranking.Rows = truncate(ranking.Rows, limit)
	return ranking, nil
}

func (t *Tracker) aggregate(subjects map[string]*domain.Subject, state string, now time.Time) []domain.DistrictGap {
	type districtKey struct{ state, district string }
	totals := make(map[districtKey]*domain.DistrictGap)
	pincodes := make(map[districtKey]map[string]int)

	for _, s := range subjects {
		if !s.HasEnrolmentEvent || (state != "" && s.State != state) {
			continue
		}
		k := districtKey{s.State, s.District}
		row, ok := totals[k]
		if !ok {
			row = &domain.DistrictGap{State: s.State, District: s.District}
			totals[k] = row
			pincodes[k] = make(map[string]int)
		}
		row.TotalEnrolled++
		if t.record(s, now).InGap {
			row.GapCount++
			pincodes[k][s.Pincode]++
		}
	}

	rows := make([]domain.DistrictGap, 0, len(totals))
	for k, row := range totals {
		row.GapRate = decimal.NewFromInt(int64(row.GapCount)).DivRound(decimal.NewFromInt(int64(row.TotalEnrolled)), 4)
		row.RiskLevel = RiskForRate(row.GapRate)
		row.CriticalPincodes = topPincodes(pincodes[k], criticalPincodes)
		row.Recommendation = recommendOutreach(*row)
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, compareDistricts)
	return rows
}

func compareDistricts(a, b domain.DistrictGap) int {
	if a.GapCount != b.GapCount {
		return cmp.Compare(b.GapCount, a.GapCount)
	}
	if c := b.GapRate.Cmp(a.GapRate); c != 0 {
		return c
	}
	if c := cmp.Compare(a.District, b.District); c != 0 {
		return c
	}
	return cmp.Compare(a.State, b.State)
}

// Records lists the subjects of one district that are in gap, longest
// outstanding first.
func (t *Tracker) Records(ctx context.Context, state, district string) (*domain.RecordSet, error) {
	now := t.clock.Now()
	subjects, complete, err := t.scan(ctx)
	if err != nil {
		return nil, errors.NewInternalError("failed to scan event log").WithCause(err)
	}

	set := &domain.RecordSet{Records: []domain.Record{}, Stale: !complete, GeneratedAt: now}
	for _, s := range subjects {
		if !s.HasEnrolmentEvent || s.State != state || s.District != district {
			continue
		}
		if r := t.record(s, now); r.InGap {
			set.Records = append(set.Records, r)
		}
	}
	slices.SortFunc(set.Records, func(a, b domain.Record) int {
		if a.DaysSinceEnrolment != b.DaysSinceEnrolment {
			return cmp.Compare(b.DaysSinceEnrolment, a.DaysSinceEnrolment)
		}
		return cmp.Compare(a.SubjectID, b.SubjectID)
	})
	return set, nil
}

// DeploymentPlan assigns up to maxVans mobile vans to the HIGH and
// CRITICAL districts of state, most subjects in gap first. A stale ranking
// yields a stale plan.
func (t *Tracker) DeploymentPlan(ctx context.Context, state string, maxVans int) (*domain.DeploymentPlan, error) {
	if maxVans <= 0 {
		maxVans = DefaultMaxVans
	}
	ranking, err := t.RankDistricts(ctx, state, 0)
	if err != nil {
		return nil, err
	}
	return &domain.DeploymentPlan{
		State:       state,
		Deployments: plan(ranking.Rows, maxVans),
		Stale:       ranking.Stale,
		GeneratedAt: ranking.GeneratedAt,
	}, nil
}

func truncate(rows []domain.DistrictGap, limit int) []domain.DistrictGap {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
