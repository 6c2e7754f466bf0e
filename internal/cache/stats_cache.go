// Package cache provides a short-TTL Redis cache for the audit stats
// aggregate. The dashboard polls stats frequently; caching bounds the
// aggregate scan rate while the TTL bounds staleness.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/civicgov/audit-trail/internal/audit"
)

const statsKey = "audit:stats"

// DefaultStatsTTL is the default staleness bound for cached stats.
const DefaultStatsTTL = 30 * time.Second

// StatsCache is a read-through cache for audit.Stats. All failures degrade
// to a cache miss; the store remains the source of truth.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a stats cache. A ttl of 0 selects DefaultStatsTTL.
func New(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatsCache {
	if ttl <= 0 {
		ttl = DefaultStatsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached stats and true on a hit.
func (c *StatsCache) Get(ctx context.Context) (*audit.Stats, bool) {
	data, err := c.client.Get(ctx, statsKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("stats cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var stats audit.Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		c.logger.Warn("stats cache entry corrupt, ignoring", zap.Error(err))
		return nil, false
	}
	return &stats, true
}

// Set stores the stats with the configured TTL, best effort.
func (c *StatsCache) Set(ctx context.Context, stats *audit.Stats) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statsKey, data, c.ttl).Err(); err != nil {
		c.logger.Warn("stats cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached entry, e.g. after operators repair the trail.
func (c *StatsCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, statsKey).Err(); err != nil {
		c.logger.Warn("stats cache invalidation failed", zap.Error(err))
	}
}
