package anomaly

import (
	"fmt"
	"slices"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

// CorrelationDays is how far ahead a scheduled event is matched against an
// anomaly.
const CorrelationDays = 30

// CalendarEvent is a scheduled public event known to draw one fraud
// pattern, such as a recruitment rally or an election.
type CalendarEvent struct {
	ID        string
	Name      string
	Location  string
	Date      time.Time
	FraudType cohort.FraudType
}

// Calendar is the set of upcoming events anomalies are checked against.
type Calendar []CalendarEvent

// Correlate lists events of the same fraud type dated between at and
// CorrelationDays days after it, soonest first, as "name - location - Jan 02".
func (c Calendar) Correlate(at time.Time, fraud cohort.FraudType) []string {
	if fraud == cohort.FraudUnknown {
		return nil
	}
	var matched []CalendarEvent
	for _, ev := range c {
		if ev.FraudType != fraud {
			continue
		}
		ahead := ev.Date.Sub(at)
		if ahead < 0 || ahead > CorrelationDays*24*time.Hour {
			continue
		}
		matched = append(matched, ev)
	}
	slices.SortStableFunc(matched, func(a, b CalendarEvent) int { return a.Date.Compare(b.Date) })

	out := make([]string, 0, len(matched))
	for _, ev := range matched {
		out = append(out, fmt.Sprintf("%s - %s - %s", ev.Name, ev.Location, ev.Date.Format("Jan 02")))
	}
	return out
}
