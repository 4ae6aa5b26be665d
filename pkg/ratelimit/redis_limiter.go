package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	redisClient "github.com/redis/go-redis/v9"

	"vehicle-guard/pkg/redis"
)

// tokenBucket refills and takes one token atomically. Time is supplied by the
// caller in milliseconds so every instance shares the same arithmetic.
var tokenBucket = redisClient.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2]) / 60000
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last'))
if tokens == nil then
  tokens = burst
  last = now
end

if now > last then
  tokens = math.min(burst, tokens + (now - last) * per_ms)
  last = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif per_ms > 0 then
  wait = math.ceil((1 - tokens) / per_ms)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last', last)
local ttl = 60000
if per_ms > 0 then
  ttl = math.ceil(burst / per_ms) + 1000
end
redis.call('PEXPIRE', key, ttl)

return {allowed, math.floor(tokens), wait}
`)

// RedisRateLimiter shares buckets across instances through Redis.
type RedisRateLimiter struct {
	client *redis.Client
	config *Config
	now    func() time.Time

	total   atomic.Int64
	blocked atomic.Int64
}

func NewRedisRateLimiter(client *redis.Client, config *Config) *RedisRateLimiter {
	if config == nil {
		config = DefaultConfig(0, 0)
	}
	return &RedisRateLimiter{client: client, config: config, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, clientID, category string) (Decision, error) {
	limit := r.config.LimitFor(category)
	if !r.config.Enabled {
		return Decision{Allowed: true, Remaining: limit.BurstSize, Limit: limit}, nil
	}
	r.total.Add(1)

	key := fmt.Sprintf("%s%s:%s", r.config.KeyPrefix, category, clientID)
	res, err := tokenBucket.Run(ctx, r.client.GetClient(), []string{key},
		limit.BurstSize, limit.RequestsPerMinute, r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
		Limit:      limit,
	}
	if !d.Allowed {
		r.blocked.Add(1)
	}
	return d, nil
}

func (r *RedisRateLimiter) GetStats() RateLimiterStats {
	return RateLimiterStats{
		TotalRequests:   r.total.Load(),
		BlockedRequests: r.blocked.Load(),
	}
}
