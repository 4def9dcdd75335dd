package aggregation

import (
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

// Scorer finalizes an open window against the closed history of its key.
type Scorer interface {
	Score(w cohort.Window, history []cohort.Window) cohort.Window
}

// Observer is told about closures and late arrivals. Calls come from the
// owning shard goroutine, in closure order per key, outside the shard lock.
type Observer interface {
	WindowClosed(view cohort.WindowView)
	LateEvent(key cohort.Key, windowStart time.Time)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) WindowClosed(cohort.WindowView)   {}
func (NopObserver) LateEvent(cohort.Key, time.Time) {}
