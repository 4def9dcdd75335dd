package pulse

import (
	"context"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// AlertPublisher delivers alerts. Implementations must not block for long;
// the engine calls Publish from aggregation goroutines.
type AlertPublisher interface {
	Publish(ctx context.Context, a alert.Alert) error
}

// WindowRepository persists closed windows and flows as a reporting
// projection. The event log remains the source of truth; writes are upserts.
type WindowRepository interface {
	SaveWindow(ctx context.Context, v cohort.WindowView) error
	SaveFlow(ctx context.Context, f corridor.Flow) error
}

// Recorder receives operational measurements.
type Recorder interface {
	EventAppended(ctx context.Context, t event.Type, held bool)
	EventRejected(ctx context.Context, code string)
	LateEvent(ctx context.Context)
	WindowClosed(ctx context.Context, status cohort.Status)
	FlowClosed(ctx context.Context, spike bool)
	GapScan(ctx context.Context, d time.Duration, stale bool)
}

type nopRecorder struct{}

func (nopRecorder) EventAppended(context.Context, event.Type, bool) {}
func (nopRecorder) EventRejected(context.Context, string)           {}
func (nopRecorder) LateEvent(context.Context)                       {}
func (nopRecorder) WindowClosed(context.Context, cohort.Status)     {}
func (nopRecorder) FlowClosed(context.Context, bool)                {}
func (nopRecorder) GapScan(context.Context, time.Duration, bool)    {}
