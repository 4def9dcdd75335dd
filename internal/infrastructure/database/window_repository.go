package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/querybuilder"
	"github.com/aadhaar-prerana/prerana-core/internal/service/pulse"
)

const (
	windowsTable = "cohort_windows"
	flowsTable   = "corridor_flows"
)

// WindowRepository upserts closed windows and corridor flows for
// reporting. Replays overwrite rows with identical values.
type WindowRepository struct {
	db *ConnectionPool
}

var _ pulse.WindowRepository = (*WindowRepository)(nil)

func NewWindowRepository(db *ConnectionPool) *WindowRepository {
	return &WindowRepository{db: db}
}

func (r *WindowRepository) SaveWindow(ctx context.Context, v cohort.WindowView) error {
	sql, args, err := saveWindowQuery(v)
	if err != nil {
		return err
	}
	return r.exec(ctx, sql, args, "window "+v.Key.String())
}

func saveWindowQuery(v cohort.WindowView) (string, []interface{}, error) {
	return querybuilder.New().Insert(windowsTable).
		Set("gender", string(v.Key.Gender)).
		Set("age_band", string(v.Key.AgeBand)).
		Set("pincode", v.Key.Pincode).
		Set("update_type", v.Key.UpdateType).
		Set("window_start", v.WindowStart).
		Set("window_end", v.WindowEnd).
		Set("event_count", v.EventCount).
		Set("mean_baseline", v.MeanBaseline).
		Set("stddev_baseline", v.StdDevBaseline).
		Set("z_score", v.ZScore).
		Set("baseline_size", v.BaselineSize).
		Set("status", string(v.Status)).
		Set("late_events", v.LateEvents).
		Set("held_events", v.HeldEvents).
		OnConflict([]string{"gender", "age_band", "pincode", "update_type", "window_start"}, querybuilder.DoUpdate).
		ToSQL()
}

func (r *WindowRepository) SaveFlow(ctx context.Context, f corridor.Flow) error {
	sql, args, err := saveFlowQuery(f)
	if err != nil {
		return err
	}
	return r.exec(ctx, sql, args, "flow "+f.Pair().String())
}

func saveFlowQuery(f corridor.Flow) (string, []interface{}, error) {
	var velocity *string
	if f.VelocityChangePct != nil {
		s := f.VelocityChangePct.String()
		velocity = &s
	}
	return querybuilder.New().Insert(flowsTable).
		Set("source_state", f.Source.State).
		Set("source_district", f.Source.District).
		Set("dest_state", f.Destination.State).
		Set("dest_district", f.Destination.District).
		Set("window_start", f.WindowStart).
		Set("window_end", f.WindowEnd).
		Set("update_count", f.UpdateCount).
		SetCast("baseline_count", f.BaselineCount.String(), "text::numeric").
		Set("baseline_size", f.BaselineSize).
		SetCast("velocity_change_pct", velocity, "text::numeric").
		Set("new_corridor", f.NewCorridor).
		Set("is_spike", f.IsSpike).
		OnConflict([]string{"source_state", "source_district", "dest_state", "dest_district", "window_start"}, querybuilder.DoUpdate).
		ToSQL()
}

func (r *WindowRepository) exec(ctx context.Context, sql string, args []interface{}, what string) error {
	err := r.db.Do(ctx, func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", what, err)
	}
	return nil
}
