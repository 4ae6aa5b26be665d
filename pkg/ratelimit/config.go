package ratelimit

import (
	"time"
)

// Categories group endpoints that share a limit.
const (
	CategoryTelemetry = "telemetry"
	CategoryCommands  = "commands"
	CategoryAPI       = "api"
	CategoryDefault   = "default"
)

type Config struct {
	Limits map[string]RateLimit `json:"limits"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `json:"keyPrefix"`

	// CleanupInterval is how often idle in-memory buckets are dropped.
	CleanupInterval time.Duration `json:"cleanupInterval"`

	Enabled bool `json:"enabled"`
}

// DefaultConfig sizes the telemetry bucket for devicesPerMinute reports per
// device and leaves the dashboard API permissive.
func DefaultConfig(devicesPerMinute, deviceBurst int) *Config {
	if devicesPerMinute <= 0 {
		devicesPerMinute = 120
	}
	if deviceBurst <= 0 {
		deviceBurst = 20
	}
	return &Config{
		Limits: map[string]RateLimit{
			CategoryTelemetry: {RequestsPerMinute: devicesPerMinute, BurstSize: deviceBurst},
			CategoryCommands:  {RequestsPerMinute: 30, BurstSize: 10},
			CategoryAPI:       {RequestsPerMinute: 300, BurstSize: 60},
			CategoryDefault:   {RequestsPerMinute: 60, BurstSize: 15},
		},
		KeyPrefix:       "ratelimit:",
		CleanupInterval: 5 * time.Minute,
		Enabled:         true,
	}
}

// LimitFor returns the category's limit, falling back to the default one.
func (c *Config) LimitFor(category string) RateLimit {
	if limit, ok := c.Limits[category]; ok {
		return limit
	}
	if limit, ok := c.Limits[CategoryDefault]; ok {
		return limit
	}
	return RateLimit{RequestsPerMinute: 60, BurstSize: 15}
}
