package corridor

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// Region is a district within a state, written "State/District".
type Region struct {
	State    string `json:"state"`
	District string `json:"district"`
}

// RegionOf returns the region an event was captured in.
func RegionOf(loc event.Location) Region {
	return Region{State: loc.State, District: loc.District}
}

// ParseRegion parses "Bihar/Sitamarhi".
func ParseRegion(s string) (Region, error) {
	state, district, ok := strings.Cut(strings.TrimSpace(s), "/")
	state = strings.TrimSpace(state)
	district = strings.TrimSpace(district)
	if !ok || state == "" || district == "" {
		return Region{}, errors.NewValidationError("INVALID_REGION",
			fmt.Sprintf("region must be State/District, got %q", s))
	}
	return Region{State: state, District: district}, nil
}

func (r Region) String() string {
	return r.State + "/" + r.District
}

func (r Region) IsZero() bool {
	return r.State == "" && r.District == ""
}

// Pair is a directed corridor.
type Pair struct {
	Source      Region `json:"source"`
	Destination Region `json:"destination"`
}

func (p Pair) String() string {
	return p.Source.String() + "->" + p.Destination.String()
}

// Flow counts address moves along one corridor within one bucket. Baseline
// fields and VelocityChangePct are only set once the bucket has closed.
// VelocityChangePct is nil when NewCorridor is true.
type Flow struct {
	Source            Region           `json:"source"`
	Destination       Region           `json:"destination"`
	WindowStart       time.Time        `json:"window_start"`
	WindowEnd         time.Time        `json:"window_end"`
	UpdateCount       int64            `json:"update_count"`
	BaselineCount     decimal.Decimal  `json:"baseline_count"`
	BaselineSize      int              `json:"baseline_size"`
	VelocityChangePct *decimal.Decimal `json:"velocity_change_pct"`
	NewCorridor       bool             `json:"new_corridor"`
	IsSpike           bool             `json:"is_spike"`
	Closed            bool             `json:"closed"`
}

func (f Flow) Pair() Pair {
	return Pair{Source: f.Source, Destination: f.Destination}
}

// FlowView is a flow as returned to readers, with the late-event counter
// kept beside it.
type FlowView struct {
	Flow
	LateEvents int64 `json:"late_events"`
}
