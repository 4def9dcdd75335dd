package config

import (
	"maps"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/service/aggregation"
	"github.com/aadhaar-prerana/prerana-core/internal/service/anomaly"
	"github.com/aadhaar-prerana/prerana-core/internal/service/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/service/gap"
	"github.com/aadhaar-prerana/prerana-core/internal/service/pulse"
)

// Pulse translates the engine and gap sections into the engine's config.
func (c *Config) Pulse() pulse.Config {
	e := c.Engine
	return pulse.Config{
		Store: eventstore.Config{
			ClockSkew:   e.ClockSkew,
			PageSize:    e.QueryPageSize,
			LockStripes: eventstore.DefaultConfig().LockStripes,
		},
		Aggregation: aggregation.Config{
			BucketSize:      e.BucketSize,
			AllowedLateness: e.AllowedLateness,
			Shards:          e.Shards,
			ShardBuffer:     e.ShardBuffer,
			Retention:       e.Retention,
		},
		Anomaly: anomaly.Config{
			BaselineWindows: e.BaselineWindows,
			MinBaseline:     e.MinBaseline,
			Threshold:       e.ZThreshold,
			Sentinel:        e.ZSentinel,
		},
		Corridor: corridor.Config{
			BaselineWindows: e.BaselineWindows,
			SpikePct:        e.VelocitySpikePct,
			Retention:       e.Retention,
		},
		Gap: gap.Config{
			Policy: gap.Policy{
				ThresholdDays:     c.Gap.ThresholdDays,
				DistrictOverrides: maps.Clone(c.Gap.DistrictOverrides),
			},
			Timeout: e.RecomputeTimeout,
		},
		Freeze:             freeze.Config{Duration: e.FreezeDuration},
		Calendar:           calendar(e.EventCalendar),
		SchedulerInterval:  e.SchedulerInterval,
		GapRefreshInterval: e.GapRefreshInterval,
		RecomputeTimeout:   e.RecomputeTimeout,
	}
}

// calendar converts validated entries; an unparseable date is skipped.
func calendar(entries []CalendarEntry) anomaly.Calendar {
	out := make(anomaly.Calendar, 0, len(entries))
	for _, ev := range entries {
		date, err := time.Parse(time.DateOnly, ev.Date)
		if err != nil {
			continue
		}
		out = append(out, anomaly.CalendarEvent{
			ID:        ev.ID,
			Name:      ev.Name,
			Location:  ev.Location,
			Date:      date,
			FraudType: cohort.FraudType(ev.FraudType),
		})
	}
	return out
}
