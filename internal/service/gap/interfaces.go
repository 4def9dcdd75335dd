package gap

import (
	"context"
	"iter"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
)

// EventSource is the read side of the event store.
type EventSource interface {
	Query(ctx context.Context, filter event.Filter, tr event.TimeRange) iter.Seq2[event.Event, error]
}

// RankingCache keeps the last complete ranking per state so a timed-out
// scan can fall back to it. Get returns a not-found AppError on a miss.
type RankingCache interface {
	Get(ctx context.Context, state string) (*domain.Ranking, error)
	Set(ctx context.Context, state string, ranking *domain.Ranking) error
}
