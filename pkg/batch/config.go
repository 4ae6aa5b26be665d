package batch

import (
	"time"
)

// DefaultBatchConfig flushes state snapshots often enough that a restart loses
// at most a couple of seconds of ordering history.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  100,
		BatchInterval: 2 * time.Second,
		MaxWaitTime:   10 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  200 * time.Millisecond,
	}
}

// ValidateConfig validates the batch configuration
func ValidateConfig(config BatchConfig) error {
	if config.MaxBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if config.BatchInterval <= 0 {
		return ErrInvalidBatchInterval
	}
	if config.MaxWaitTime <= 0 {
		return ErrInvalidMaxWaitTime
	}
	if config.RetryAttempts < 0 {
		return ErrInvalidRetryAttempts
	}
	if config.RetryBackoff < 0 {
		return ErrInvalidRetryBackoff
	}
	return nil
}
