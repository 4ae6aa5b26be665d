package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-guard/internal/config"
	"vehicle-guard/pkg/redis"
)

func testConfig() *Config {
	cfg := DefaultConfig(60, 3)
	cfg.CleanupInterval = 0
	return cfg
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func setupRedisLimiter(t *testing.T, cfg *Config) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(config.RedisConfig{Host: mr.Host(), Port: mr.Port()}, nil)
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, cfg), mr
}

// exercise runs the same burst-then-refill scenario against any limiter.
func exercise(t *testing.T, limiter RateLimiter, clk *clock) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "V1", CategoryTelemetry)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := limiter.Allow(ctx, "V1", CategoryTelemetry)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(10*time.Millisecond))

	// Another device has its own bucket.
	d, err = limiter.Allow(ctx, "V2", CategoryTelemetry)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// 60/min refills one token per second.
	clk.advance(time.Second)
	d, err = limiter.Allow(ctx, "V1", CategoryTelemetry)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "V1", CategoryTelemetry)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	stats := limiter.GetStats()
	assert.Equal(t, int64(7), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.BlockedRequests)
}

func TestMemoryRateLimiter_TokenBucket(t *testing.T) {
	clk := newClock()
	limiter := NewMemoryRateLimiter(testConfig())
	limiter.now = clk.now
	defer limiter.Stop()

	exercise(t, limiter, clk)
	assert.Equal(t, 2, limiter.GetStats().ActiveBuckets)
}

func TestRedisRateLimiter_TokenBucket(t *testing.T) {
	clk := newClock()
	limiter, mr := setupRedisLimiter(t, testConfig())
	limiter.now = clk.now

	exercise(t, limiter, clk)
	assert.True(t, mr.Exists("ratelimit:telemetry:V1"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	limiter := NewMemoryRateLimiter(cfg)
	defer limiter.Stop()
	for i := 0; i < 10; i++ {
		d, err := limiter.Allow(context.Background(), "V1", CategoryTelemetry)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Zero(t, limiter.GetStats().TotalRequests)
}

func TestRedisRateLimiter_Unavailable(t *testing.T) {
	limiter, mr := setupRedisLimiter(t, testConfig())
	mr.Close()

	_, err := limiter.Allow(context.Background(), "V1", CategoryTelemetry)
	assert.Error(t, err)
}

func TestMemoryRateLimiter_RemoveIdle(t *testing.T) {
	clk := newClock()
	limiter := NewMemoryRateLimiter(testConfig())
	limiter.now = clk.now
	defer limiter.Stop()

	_, err := limiter.Allow(context.Background(), "V1", CategoryAPI)
	require.NoError(t, err)

	clk.advance(2 * time.Hour)
	limiter.removeIdle(time.Hour)
	assert.Zero(t, limiter.GetStats().ActiveBuckets)
}

func TestConfig_LimitFor(t *testing.T) {
	cfg := DefaultConfig(0, 0)
	assert.Equal(t, RateLimit{RequestsPerMinute: 120, BurstSize: 20}, cfg.LimitFor(CategoryTelemetry))
	assert.Equal(t, cfg.Limits[CategoryDefault], cfg.LimitFor("unknown"))

	empty := &Config{}
	assert.Equal(t, RateLimit{RequestsPerMinute: 60, BurstSize: 15}, empty.LimitFor("x"))
}
