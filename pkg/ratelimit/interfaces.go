package ratelimit

import (
	"context"
	"time"
)

// RateLimiter admits or rejects one request of a client within a category.
type RateLimiter interface {
	Allow(ctx context.Context, clientID, category string) (Decision, error)
	GetStats() RateLimiterStats
}

// RateLimit is a token bucket: BurstSize tokens, refilled at RequestsPerMinute.
type RateLimit struct {
	RequestsPerMinute int `json:"requestsPerMinute"`
	BurstSize         int `json:"burstSize"`
}

// refillInterval is the time it takes to earn one token.
func (l RateLimit) refillInterval() time.Duration {
	if l.RequestsPerMinute <= 0 {
		return time.Minute
	}
	return time.Minute / time.Duration(l.RequestsPerMinute)
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Limit      RateLimit
}

type RateLimiterStats struct {
	TotalRequests   int64 `json:"totalRequests"`
	BlockedRequests int64 `json:"blockedRequests"`
	ActiveBuckets   int   `json:"activeBuckets"`
}
