package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/log"
)

// DefaultBatchProcessor keeps the newest snapshot per vehicle and flushes them
// on size, interval or max-wait, whichever comes first.
type DefaultBatchProcessor struct {
	config BatchConfig
	writer StateWriter
	logger log.Logger

	updates    map[string]*models.VehicleState
	updatesMux sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	stopOnce sync.Once

	stats    BatchStats
	statsMux sync.RWMutex

	updateChan chan *models.VehicleState
}

func NewBatchProcessor(config BatchConfig, writer StateWriter, logger log.Logger) *DefaultBatchProcessor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &DefaultBatchProcessor{
		config:     config,
		writer:     writer,
		logger:     logger.WithName("batch"),
		updates:    make(map[string]*models.VehicleState),
		ctx:        ctx,
		cancel:     cancel,
		updateChan: make(chan *models.VehicleState, config.MaxBatchSize*4),
		stats: BatchStats{
			LastProcessedAt: time.Now(),
		},
	}
}

// AddUpdate queues a snapshot without blocking. A full queue is reported as an
// error so the caller can log persistence lag; in-memory state is unaffected.
func (bp *DefaultBatchProcessor) AddUpdate(state *models.VehicleState) error {
	if state == nil {
		return nil
	}
	select {
	case <-bp.ctx.Done():
		return ErrProcessorStopped
	default:
	}

	select {
	case bp.updateChan <- state:
		return nil
	default:
		return fmt.Errorf("update queue is full, dropping snapshot for vehicle %s", state.VehicleID)
	}
}

// ProcessBatch flushes everything collected so far.
func (bp *DefaultBatchProcessor) ProcessBatch() error {
	bp.updatesMux.Lock()
	current := bp.updates
	bp.updates = make(map[string]*models.VehicleState)
	bp.updatesMux.Unlock()

	if len(current) == 0 {
		return nil
	}

	start := time.Now()
	batches := bp.splitIntoBatches(current)

	var failed int
	for _, b := range batches {
		if err := bp.processSingleBatch(b); err != nil {
			bp.logger.Error(err, "Batch flush failed", "size", len(b))
			failed++
		}
	}

	bp.updateStats(len(batches), len(current), time.Since(start))

	if failed > 0 {
		return fmt.Errorf("failed to process %d out of %d batches", failed, len(batches))
	}
	return nil
}

func (bp *DefaultBatchProcessor) processSingleBatch(batch []*models.VehicleState) error {
	for attempt := 0; attempt <= bp.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * bp.config.RetryBackoff
			bp.logger.Warn("Retrying batch flush", "backoff", wait, "attempt", attempt, "max", bp.config.RetryAttempts)

			select {
			case <-time.After(wait):
			case <-bp.ctx.Done():
				// Shutting down: one last attempt per snapshot below.
				return bp.fallbackToIndividualUpdates(batch)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := bp.writer.UpsertStates(ctx, batch)
		cancel()
		if err == nil {
			return nil
		}
		bp.logger.Warn("Batch flush attempt failed", "attempt", attempt+1, "error", err.Error())
	}

	bp.logger.Warn("All batch retries failed, falling back to individual upserts", "size", len(batch))
	return bp.fallbackToIndividualUpdates(batch)
}

func (bp *DefaultBatchProcessor) fallbackToIndividualUpdates(batch []*models.VehicleState) error {
	var errs []string
	for _, state := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := bp.writer.UpsertState(ctx, state)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Sprintf("vehicle %s: %v", state.VehicleID, err))
			bp.incrementFailedUpdates()
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("individual upsert failures: %v", errs)
	}
	return nil
}

func (bp *DefaultBatchProcessor) splitIntoBatches(updates map[string]*models.VehicleState) [][]*models.VehicleState {
	var batches [][]*models.VehicleState
	current := make([]*models.VehicleState, 0, min(len(updates), bp.config.MaxBatchSize))

	for _, state := range updates {
		current = append(current, state)
		if len(current) >= bp.config.MaxBatchSize {
			batches = append(batches, current)
			current = make([]*models.VehicleState, 0, bp.config.MaxBatchSize)
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (bp *DefaultBatchProcessor) Start() error {
	bp.workerWg.Add(1)
	go bp.worker()
	bp.logger.Info("Batch processor started", "maxBatchSize", bp.config.MaxBatchSize, "interval", bp.config.BatchInterval)
	return nil
}

// Stop drains queued snapshots, flushes them and waits for the worker.
func (bp *DefaultBatchProcessor) Stop() error {
	bp.stopOnce.Do(func() {
		bp.cancel()
		bp.workerWg.Wait()
		bp.logger.Info("Batch processor stopped")
	})
	return nil
}

func (bp *DefaultBatchProcessor) worker() {
	defer bp.workerWg.Done()

	ticker := time.NewTicker(bp.config.BatchInterval)
	defer ticker.Stop()

	maxWaitTimer := time.NewTimer(bp.config.MaxWaitTime)
	defer maxWaitTimer.Stop()

	for {
		select {
		case state := <-bp.updateChan:
			bp.addToCurrentBatch(state)

			if !maxWaitTimer.Stop() {
				select {
				case <-maxWaitTimer.C:
				default:
				}
			}
			maxWaitTimer.Reset(bp.config.MaxWaitTime)

			if bp.getCurrentBatchSize() >= bp.config.MaxBatchSize {
				if err := bp.ProcessBatch(); err != nil {
					bp.logger.Error(err, "Error processing full batch")
				}
			}

		case <-ticker.C:
			if err := bp.ProcessBatch(); err != nil {
				bp.logger.Error(err, "Error processing interval batch")
			}

		case <-maxWaitTimer.C:
			if err := bp.ProcessBatch(); err != nil {
				bp.logger.Error(err, "Error processing max wait batch")
			}
			maxWaitTimer.Reset(bp.config.MaxWaitTime)

		case <-bp.ctx.Done():
			bp.drain()
			if err := bp.ProcessBatch(); err != nil {
				bp.logger.Error(err, "Error processing final batch")
			}
			return
		}
	}
}

func (bp *DefaultBatchProcessor) drain() {
	for {
		select {
		case state := <-bp.updateChan:
			bp.addToCurrentBatch(state)
		default:
			return
		}
	}
}

// addToCurrentBatch keeps only the highest sequence per vehicle.
func (bp *DefaultBatchProcessor) addToCurrentBatch(state *models.VehicleState) {
	bp.updatesMux.Lock()
	defer bp.updatesMux.Unlock()

	if existing, ok := bp.updates[state.VehicleID]; ok {
		bp.statsMux.Lock()
		bp.stats.CoalescedUpdates++
		bp.statsMux.Unlock()
		if existing.Sequence >= state.Sequence {
			return
		}
	}
	bp.updates[state.VehicleID] = state
}

func (bp *DefaultBatchProcessor) getCurrentBatchSize() int {
	bp.updatesMux.RLock()
	defer bp.updatesMux.RUnlock()
	return len(bp.updates)
}

func (bp *DefaultBatchProcessor) GetBatchStats() BatchStats {
	bp.statsMux.RLock()
	defer bp.statsMux.RUnlock()
	return bp.stats
}

func (bp *DefaultBatchProcessor) updateStats(batchCount, updateCount int, processingTime time.Duration) {
	bp.statsMux.Lock()
	defer bp.statsMux.Unlock()

	bp.stats.BatchesProcessed += batchCount
	bp.stats.TotalUpdates += int64(updateCount)
	bp.stats.LastProcessedAt = time.Now()
	bp.stats.ProcessingTime = processingTime

	if bp.stats.BatchesProcessed > 0 {
		bp.stats.AverageSize = float64(bp.stats.TotalUpdates) / float64(bp.stats.BatchesProcessed)
	}
	if bp.stats.TotalUpdates > 0 {
		bp.stats.ErrorRate = float64(bp.stats.FailedUpdates) / float64(bp.stats.TotalUpdates)
	}
}

func (bp *DefaultBatchProcessor) incrementFailedUpdates() {
	bp.statsMux.Lock()
	defer bp.statsMux.Unlock()
	bp.stats.FailedUpdates++
}
