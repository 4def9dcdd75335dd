package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil"
)

func TestSeries_TrimDropsCountersPastRetention(t *testing.T) {
	size := 24 * time.Hour
	s := newSeries(cohort.Key{})
	s.first = day0
	for d := 0; d < 5; d++ {
		start := testutil.Day(day0, d)
		s.closed = append(s.closed, cohort.Window{WindowStart: start, WindowEnd: start.Add(size)})
		s.late[start.UnixNano()] = 1
		s.held[start.UnixNano()] = 2
	}
	// Late before the first window ever opened.
	s.markLate(day0.Add(-size), size)
	assert.Len(t, s.late, 6)

	s.trim(2, size)
	assert.Equal(t, 3, s.dropped)
	assert.Len(t, s.closed, 2)
	assert.Len(t, s.late, 2)
	assert.Len(t, s.held, 2)

	day4 := testutil.Day(day0, 4)
	v := s.view(s.closed[1])
	assert.Equal(t, int64(1), v.LateEvents)
	assert.Equal(t, int64(2), v.HeldEvents)

	s.markLate(day0, size)
	assert.Len(t, s.late, 2, "windows past retention are not tracked")
	s.markLate(day4, size)
	assert.Equal(t, int64(2), s.late[day4.UnixNano()])
}
