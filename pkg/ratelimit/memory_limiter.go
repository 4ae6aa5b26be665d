package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryRateLimiter keeps token buckets in process. Limits are per instance.
type MemoryRateLimiter struct {
	config *Config
	now    func() time.Time

	total   atomic.Int64
	blocked atomic.Int64

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	if config == nil {
		config = DefaultConfig(0, 0)
	}
	r := &MemoryRateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go r.cleanupIdleBuckets()
	}
	return r
}

func (r *MemoryRateLimiter) Allow(_ context.Context, clientID, category string) (Decision, error) {
	limit := r.config.LimitFor(category)
	if !r.config.Enabled {
		return Decision{Allowed: true, Remaining: limit.BurstSize, Limit: limit}, nil
	}
	r.total.Add(1)

	key := category + ":" + clientID
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(limit.BurstSize), lastRefill: now}
		r.buckets[key] = b
	}

	perSecond := float64(limit.RequestsPerMinute) / 60
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(limit.BurstSize), b.tokens+elapsed*perSecond)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens), Limit: limit}, nil
	}

	r.blocked.Add(1)
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	if perSecond <= 0 {
		wait = limit.refillInterval()
	}
	return Decision{Allowed: false, RetryAfter: wait, Limit: limit}, nil
}

func (r *MemoryRateLimiter) GetStats() RateLimiterStats {
	r.mu.Lock()
	active := len(r.buckets)
	r.mu.Unlock()

	return RateLimiterStats{
		TotalRequests:   r.total.Load(),
		BlockedRequests: r.blocked.Load(),
		ActiveBuckets:   active,
	}
}

// Stop ends the cleanup goroutine.
func (r *MemoryRateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *MemoryRateLimiter) cleanupIdleBuckets() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.removeIdle(time.Hour)
		}
	}
}

func (r *MemoryRateLimiter) removeIdle(idle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, b := range r.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(r.buckets, key)
		}
	}
}
