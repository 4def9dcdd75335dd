package pulse

import (
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/service/aggregation"
	"github.com/aadhaar-prerana/prerana-core/internal/service/anomaly"
	"github.com/aadhaar-prerana/prerana-core/internal/service/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/service/gap"
)

// Config assembles the component configs. Bucketing and lateness are
// shared between cohort windows and corridors; New copies them across.
type Config struct {
	Store       eventstore.Config
	Aggregation aggregation.Config
	Anomaly     anomaly.Config
	Corridor    corridor.Config
	Gap         gap.Config
	Freeze      freeze.Config
	// Calendar lists scheduled events that anomalies are correlated with.
	Calendar    anomaly.Calendar

	// SchedulerInterval is the closure tick.
	SchedulerInterval time.Duration
	// GapRefreshInterval refreshes the cached all-state gap ranking.
	GapRefreshInterval time.Duration
	// RecomputeTimeout bounds scheduled corridor rollups and gap scans.
	RecomputeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Store:              eventstore.DefaultConfig(),
		Aggregation:        aggregation.DefaultConfig(),
		Anomaly:            anomaly.DefaultConfig(),
		Corridor:           corridor.DefaultConfig(),
		Gap:                gap.Config{Policy: gap.Policy{ThresholdDays: gap.DefaultThresholdDays}},
		Freeze:             freeze.Config{Duration: freeze.DefaultDuration},
		SchedulerInterval:  time.Minute,
		GapRefreshInterval: 15 * time.Minute,
		RecomputeTimeout:   10 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = d.SchedulerInterval
	}
	if c.GapRefreshInterval <= 0 {
		c.GapRefreshInterval = d.GapRefreshInterval
	}
	if c.RecomputeTimeout <= 0 {
		c.RecomputeTimeout = d.RecomputeTimeout
	}
	if c.Aggregation.BucketSize <= 0 {
		c.Aggregation.BucketSize = d.Aggregation.BucketSize
	}
	if c.Anomaly.BaselineWindows <= 0 {
		c.Anomaly.BaselineWindows = d.Anomaly.BaselineWindows
	}
	// Baselines skip anomalous windows, so keep headroom beyond N.
	if r := c.Aggregation.Retention; r > 0 && r < 2*c.Anomaly.BaselineWindows {
		c.Aggregation.Retention = 2 * c.Anomaly.BaselineWindows
	}
	c.Corridor.BucketSize = c.Aggregation.BucketSize
	c.Corridor.AllowedLateness = c.Aggregation.AllowedLateness
	if c.Corridor.BaselineWindows <= 0 {
		c.Corridor.BaselineWindows = c.Anomaly.BaselineWindows
	}
	if c.Gap.Timeout <= 0 {
		c.Gap.Timeout = c.RecomputeTimeout
	}
	return c
}
