package batch

import (
	"context"
	"fmt"
	"time"

	"vehicle-guard/internal/models"
)

// BatchProcessor coalesces vehicle state snapshots and writes them in bulk.
type BatchProcessor interface {
	AddUpdate(state *models.VehicleState) error
	ProcessBatch() error
	GetBatchStats() BatchStats
	Start() error
	Stop() error
}

// BatchStats provides statistics about batch processing
type BatchStats struct {
	BatchesProcessed int           `json:"batchesProcessed"`
	AverageSize      float64       `json:"averageSize"`
	ProcessingTime   time.Duration `json:"processingTime"`
	ErrorRate        float64       `json:"errorRate"`
	TotalUpdates     int64         `json:"totalUpdates"`
	CoalescedUpdates int64         `json:"coalescedUpdates"`
	FailedUpdates    int64         `json:"failedUpdates"`
	LastProcessedAt  time.Time     `json:"lastProcessedAt"`
}

type BatchConfig struct {
	MaxBatchSize  int           `json:"maxBatchSize"`
	BatchInterval time.Duration `json:"batchInterval"`
	MaxWaitTime   time.Duration `json:"maxWaitTime"`
	RetryAttempts int           `json:"retryAttempts"`
	RetryBackoff  time.Duration `json:"retryBackoff"`
}

// StateWriter persists vehicle state snapshots.
type StateWriter interface {
	UpsertState(ctx context.Context, state *models.VehicleState) error
	UpsertStates(ctx context.Context, states []*models.VehicleState) error
}

var (
	ErrInvalidBatchSize     = fmt.Errorf("invalid batch size: must be greater than 0")
	ErrInvalidBatchInterval = fmt.Errorf("invalid batch interval: must be greater than 0")
	ErrInvalidMaxWaitTime   = fmt.Errorf("invalid max wait time: must be greater than 0")
	ErrInvalidRetryAttempts = fmt.Errorf("invalid retry attempts: must be greater than or equal to 0")
	ErrInvalidRetryBackoff  = fmt.Errorf("invalid retry backoff: must be greater than or equal to 0")
	ErrProcessorStopped     = fmt.Errorf("batch processor is stopped")
)
