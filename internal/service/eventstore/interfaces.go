package eventstore

import (
	"context"
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// Repository is the durable log behind the store. It never assigns
// identity: ID, Sequence, IngestedAt and Held arrive already set.
type Repository interface {
	// Insert persists e atomically or not at all.
	Insert(ctx context.Context, e *event.Event) error
	// Page returns at most limit events matching filter and tr that sort
	// strictly after cursor, ordered by (Timestamp, Sequence).
	Page(ctx context.Context, filter event.Filter, tr event.TimeRange, after Cursor, limit int) ([]event.Event, error)
	// MaxSequence returns the highest persisted sequence, or 0 for an empty log.
	MaxSequence(ctx context.Context) (uint64, error)
}

// Cursor is a position in (Timestamp, Sequence) order. The zero Cursor
// sorts before every event.
type Cursor struct {
	Timestamp time.Time
	Sequence  uint64
}

func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.Sequence == 0
}

// CursorOf positions a cursor on e.
func CursorOf(e event.Event) Cursor {
	return Cursor{Timestamp: e.Timestamp, Sequence: e.Sequence}
}

// Before reports whether e sorts strictly after the cursor.
func (c Cursor) Before(e event.Event) bool {
	if c.IsZero() {
		return true
	}
	if !e.Timestamp.Equal(c.Timestamp) {
		return e.Timestamp.After(c.Timestamp)
	}
	return e.Sequence > c.Sequence
}

// Listener is notified after an append persists, while the subject lock
// is still held. Implementations must not call back into Append.
type Listener interface {
	OnAppend(ctx context.Context, e event.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e event.Event)

func (f ListenerFunc) OnAppend(ctx context.Context, e event.Event) {
	f(ctx, e)
}

// HoldPolicy decides whether an event ingested at a given time is held for
// review instead of counted.
type HoldPolicy interface {
	Holds(e event.Event, at time.Time) bool
}
