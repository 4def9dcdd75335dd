package eventstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// MemoryRepository keeps the log in a slice sorted by (Timestamp, Sequence).
type MemoryRepository struct {
	mu     sync.RWMutex
	events []event.Event
	maxSeq uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func compareEvents(a, b event.Event) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return 0
}

func (r *MemoryRepository) Insert(ctx context.Context, e *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, _ := slices.BinarySearchFunc(r.events, *e, compareEvents)
	r.events = slices.Insert(r.events, idx, *e)
	if e.Sequence > r.maxSeq {
		r.maxSeq = e.Sequence
	}
	return nil
}

func (r *MemoryRepository) Page(ctx context.Context, filter event.Filter, tr event.TimeRange, after Cursor, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if !after.IsZero() {
		start, _ = slices.BinarySearchFunc(r.events, after, func(e event.Event, c Cursor) int {
			if c.Before(e) {
				return 1
			}
			return -1
		})
	}
	if !tr.From.IsZero() {
		from, _ := slices.BinarySearchFunc(r.events, tr.From, func(e event.Event, t time.Time) int {
			return e.Timestamp.Compare(t)
		})
		start = max(start, from)
	}

	out := make([]event.Event, 0, min(limit, len(r.events)-start))
	for _, e := range r.events[start:] {
		if !tr.To.IsZero() && !e.Timestamp.Before(tr.To) {
			break
		}
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MaxSequence(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxSeq, nil
}

// Len reports how many events are stored.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
