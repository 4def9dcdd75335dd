package rest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
)

// Engine is the detection core as seen by the HTTP layer.
type Engine interface {
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
