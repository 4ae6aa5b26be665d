package cache

import "time"

// CacheConfig controls key layout and lifetime of cached snapshots.
type CacheConfig struct {
	StateTTL  time.Duration `json:"stateTTL"`
	KeyPrefix string        `json:"keyPrefix"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		StateTTL:  24 * time.Hour,
		KeyPrefix: "vg:",
	}
}

// CacheStats provides cache performance metrics.
type CacheStats struct {
	HitRate     float64 `json:"hitRate"`
	MissRate    float64 `json:"missRate"`
	TotalHits   int64   `json:"totalHits"`
	TotalMisses int64   `json:"totalMisses"`
	Writes      int64   `json:"writes"`
	StaleWrites int64   `json:"staleWrites"`
}
