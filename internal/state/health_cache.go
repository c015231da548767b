package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/incept-protocol/comet-manager/internal/types"
)

const healthKeyPrefix = "comet-manager:health:"

// HealthCache keeps the latest health view per managed position in Redis so the status API
// can serve it without touching the engine.
type HealthCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewHealthCache(rdb *redis.Client, ttl time.Duration) *HealthCache {
	return &HealthCache{rdb: rdb, ttl: ttl}
}

func healthKey(positionIndex int) string {
	return healthKeyPrefix + strconv.Itoa(positionIndex)
}

func healthIndexKey() string {
	return healthKeyPrefix + "index"
}

// Set stores the health view of one position.
func (c *HealthCache) Set(ctx context.Context, health types.PositionHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("marshal position health: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, healthKey(health.PositionIndex), data, c.ttl)
	pipe.SAdd(ctx, healthIndexKey(), health.PositionIndex)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache position health %d: %w", health.PositionIndex, err)
	}
	return nil
}

// Get returns the cached view of one position; ok is false on a miss.
func (c *HealthCache) Get(ctx context.Context, positionIndex int) (health types.PositionHealth, ok bool, err error) {
	data, err := c.rdb.Get(ctx, healthKey(positionIndex)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.PositionHealth{}, false, nil
		}
		return types.PositionHealth{}, false, fmt.Errorf("read position health %d: %w", positionIndex, err)
	}
	if err := json.Unmarshal(data, &health); err != nil {
		return types.PositionHealth{}, false, fmt.Errorf("decode position health %d: %w", positionIndex, err)
	}
	return health, true, nil
}

// All returns every cached position ordered by position index. Expired entries are skipped.
func (c *HealthCache) All(ctx context.Context) ([]types.PositionHealth, error) {
	members, err := c.rdb.SMembers(ctx, healthIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read health index: %w", err)
	}
	if len(members) == 0 {
		return []types.PositionHealth{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, healthKeyPrefix+m)
	}
	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read position health: %w", err)
	}

	out := make([]types.PositionHealth, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var health types.PositionHealth
		if err := json.Unmarshal([]byte(s), &health); err != nil {
			continue
		}
		out = append(out, health)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionIndex < out[j].PositionIndex })
	return out, nil
}
