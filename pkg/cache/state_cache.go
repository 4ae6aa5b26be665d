package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	redisClient "github.com/redis/go-redis/v9"

	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/redis"
)

// setIfNewer stores a snapshot only when its sequence is higher than the
// cached one, so that concurrent writers never roll a vehicle back.
var setIfNewer = redisClient.NewScript(`
local current = redis.call('HGET', KEYS[1], 'seq')
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// StateCache keeps the latest VehicleState per vehicle in Redis. It is both a
// write-through target for the batch writer and a hydration source.
type StateCache struct {
	client *redis.Client
	config CacheConfig
	stats  cacheStats
}

type cacheStats struct {
	mu          sync.Mutex
	totalHits   int64
	totalMisses int64
	writes      int64
	staleWrites int64
}

func NewStateCache(client *redis.Client, config CacheConfig) *StateCache {
	return &StateCache{client: client, config: config}
}

// LoadState returns the cached snapshot or models.ErrNotFound.
func (c *StateCache) LoadState(ctx context.Context, vehicleID string) (*models.VehicleState, error) {
	data, err := c.client.GetClient().HGet(ctx, c.stateKey(vehicleID), "data").Result()
	if err != nil {
		if errors.Is(err, redisClient.Nil) {
			c.record(func(s *cacheStats) { s.totalMisses++ })
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get vehicle state from cache: %w", err)
	}

	var state models.VehicleState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vehicle state: %w", err)
	}
	c.record(func(s *cacheStats) { s.totalHits++ })
	return &state, nil
}

func (c *StateCache) UpsertState(ctx context.Context, state *models.VehicleState) error {
	return c.UpsertStates(ctx, []*models.VehicleState{state})
}

// UpsertStates writes all snapshots in one pipeline.
func (c *StateCache) UpsertStates(ctx context.Context, states []*models.VehicleState) error {
	if len(states) == 0 {
		return nil
	}

	pipe := c.client.GetClient().Pipeline()
	cmds := make([]*redisClient.Cmd, 0, len(states))
	for _, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal vehicle state %s: %w", st.VehicleID, err)
		}
		cmds = append(cmds, setIfNewer.Eval(ctx, pipe,
			[]string{c.stateKey(st.VehicleID)},
			st.Sequence, data, c.config.StateTTL.Milliseconds()))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write vehicle states to cache: %w", err)
	}

	var written, stale int64
	for _, cmd := range cmds {
		if n, _ := cmd.Int64(); n == 1 {
			written++
		} else {
			stale++
		}
	}
	c.record(func(s *cacheStats) {
		s.writes += written
		s.staleWrites += stale
	})
	return nil
}

// Invalidate drops the cached snapshot.
func (c *StateCache) Invalidate(ctx context.Context, vehicleID string) error {
	return c.client.GetClient().Del(ctx, c.stateKey(vehicleID)).Err()
}

func (c *StateCache) GetCacheStats() CacheStats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()

	stats := CacheStats{
		TotalHits:   c.stats.totalHits,
		TotalMisses: c.stats.totalMisses,
		Writes:      c.stats.writes,
		StaleWrites: c.stats.staleWrites,
	}
	if total := stats.TotalHits + stats.TotalMisses; total > 0 {
		stats.HitRate = float64(stats.TotalHits) / float64(total)
		stats.MissRate = float64(stats.TotalMisses) / float64(total)
	}
	return stats
}

func (c *StateCache) HealthCheck(ctx context.Context) error {
	return c.client.GetClient().Ping(ctx).Err()
}

func (c *StateCache) stateKey(vehicleID string) string {
	return fmt.Sprintf("%sstate:%s", c.config.KeyPrefix, vehicleID)
}

func (c *StateCache) record(fn func(*cacheStats)) {
	c.stats.mu.Lock()
	fn(&c.stats)
	c.stats.mu.Unlock()
}
