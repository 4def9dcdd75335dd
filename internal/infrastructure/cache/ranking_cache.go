package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/gap"
	"github.com/aadhaar-prerana/prerana-core/internal/service/gap"
)

const (
	RankingPrefix     = "prerana:gap:ranking:"
	DefaultRankingTTL = 24 * time.Hour

	// allStates keys the ranking computed without a state filter.
	allStates = "_all"
)

// RankingCache keeps the last complete gap ranking per state in Redis so
// every replica can fall back to it when a scan times out.
type RankingCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ gap.RankingCache = (*RankingCache)(nil)

func NewRankingCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RankingCache {
	if ttl <= 0 {
		ttl = DefaultRankingTTL
	}
	return &RankingCache{client: client, ttl: ttl, logger: logger}
}

func rankingKey(state string) string {
	if state == "" {
		state = allStates
	}
	return RankingPrefix + state
}

func (c *RankingCache) Get(ctx context.Context, state string) (*domain.Ranking, error) {
	key := rankingKey(state)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewNotFoundError("gap ranking")
	}
	if err != nil {
		c.logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return nil, apperrors.NewExternalError("redis", "get ranking").WithCause(err)
	}

	var ranking domain.Ranking
	if err := json.Unmarshal(data, &ranking); err != nil {
		// A corrupt entry is treated as a miss; the next full scan overwrites it.
		c.logger.Warn("discarding undecodable ranking", zap.String("key", key), zap.Error(err))
		return nil, apperrors.NewNotFoundError("gap ranking")
	}
	return &ranking, nil
}

func (c *RankingCache) Set(ctx context.Context, state string, ranking *domain.Ranking) error {
	data, err := json.Marshal(ranking)
	if err != nil {
		return fmt.Errorf("marshal ranking: %w", err)
	}
	key := rankingKey(state)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Error("redis set failed",
			zap.String("key", key),
			zap.Duration("ttl", c.ttl),
			zap.Error(err))
		return apperrors.NewExternalError("redis", "set ranking").WithCause(err)
	}
	return nil
}
