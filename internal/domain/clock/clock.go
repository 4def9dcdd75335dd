package clock

import (
	"sync"
	"time"
)

// Clock interface for time operations (supports testing)
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using actual system time in UTC
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock only moves when told to. Tests use it, and so does the batch
// loader, which drives it along event time while backfilling history.
type ManualClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{CurrentTime: t.UTC()}
}

func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentTime = m.CurrentTime.Add(d)
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *ManualClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.CurrentTime) {
		m.CurrentTime = t.UTC()
	}
}
