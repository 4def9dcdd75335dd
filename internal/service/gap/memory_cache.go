package gap

import (
	"context"
	"sync"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
)

// MemoryCache is a process-local RankingCache.
type MemoryCache struct {
	mu       sync.RWMutex
	rankings map[string]*domain.Ranking
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{rankings: make(map[string]*domain.Ranking)}
}

func (c *MemoryCache) Get(_ context.Context, state string) (*domain.Ranking, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rankings[state]
	if !ok {
		return nil, errors.NewNotFoundError("gap ranking")
	}
	clone := *r
	clone.Rows = append([]domain.DistrictGap(nil), r.Rows...)
	return &clone, nil
}

func (c *MemoryCache) Set(_ context.Context, state string, ranking *domain.Ranking) error {
	clone := *ranking
	clone.Rows = append([]domain.DistrictGap(nil), ranking.Rows...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rankings[state] = &clone
	return nil
}
