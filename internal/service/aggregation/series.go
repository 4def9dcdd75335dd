package aggregation

import (
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

// series is the bucket history of one cohort key. Closed windows form a
// contiguous run starting at first; dropped counts windows trimmed from the
// front by retention.
type series struct {
	key     cohort.Key
	first   time.Time
	dropped int
	closed  []cohort.Window

	counts map[int64]int64
	held   map[int64]int64
	late   map[int64]int64
}

func newSeries(key cohort.Key) *series {
	return &series{
		key:    key,
		counts: make(map[int64]int64),
		held:   make(map[int64]int64),
		late:   make(map[int64]int64),
	}
}

func (s *series) started() bool {
	return !s.first.IsZero()
}

func (s *series) hasClosed() bool {
	return s.dropped+len(s.closed) > 0
}

// closedThrough is the start of the first bucket that is still open.
func (s *series) closedThrough(size time.Duration) time.Time {
	return s.first.Add(time.Duration(s.dropped+len(s.closed)) * size)
}

// closedAt returns the closed window starting at start, if retained.
func (s *series) closedAt(start time.Time, size time.Duration) (cohort.Window, bool) {
	if !s.started() || start.Before(s.first) {
		return cohort.Window{}, false
	}
	idx := int(start.Sub(s.first)/size) - s.dropped
	if idx < 0 || idx >= len(s.closed) {
		return cohort.Window{}, false
	}
	return s.closed[idx], true
}

func (s *series) view(w cohort.Window) cohort.WindowView {
	b := w.WindowStart.UnixNano()
	return cohort.WindowView{
		Window:     w,
		LateEvents: s.late[b],
		HeldEvents: s.held[b],
	}
}

// floor is the start of the oldest retained window.
func (s *series) floor(size time.Duration) time.Time {
	return s.first.Add(time.Duration(s.dropped) * size)
}

// markLate counts a late event unless its window is past retention.
func (s *series) markLate(start time.Time, size time.Duration) {
	if s.dropped > 0 && start.Before(s.floor(size)) {
		return
	}
	s.late[start.UnixNano()]++
}

// trim drops closed windows beyond retention along with their late and
// held counters.
func (s *series) trim(retention int, size time.Duration) {
	if retention <= 0 || len(s.closed) <= retention {
		return
	}
	n := len(s.closed) - retention
	s.closed = append(s.closed[:0:0], s.closed[n:]...)
	s.dropped += n

	floor := s.floor(size).UnixNano()
	for b := range s.late {
		if b < floor {
			delete(s.late, b)
		}
	}
	for b := range s.held {
		if b < floor {
			delete(s.held, b)
		}
	}
}
