package cleanup

import (
	"context"
	"time"

	"vehicle-guard/pkg/log"
)

// Task removes expired in-memory bookkeeping and reports how many entries it dropped.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// CleanupService runs its tasks on a fixed interval.
type CleanupService struct {
	tasks    []Task
	interval time.Duration
	logger   log.Logger
}

func NewCleanupService(interval time.Duration, logger log.Logger, tasks ...Task) *CleanupService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupService{
		tasks:    tasks,
		interval: interval,
		logger:   logger.WithName("cleanup"),
	}
}

// Start runs every task once, then on each tick until ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context) error {
	s.logger.Info("Starting cleanup service", "interval", s.interval, "tasks", len(s.tasks))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Stopping cleanup service")
			return nil
		}
	}
}

// RunOnce runs every task and returns the total number of entries removed.
// A failing task is logged and does not stop the others.
func (s *CleanupService) RunOnce(ctx context.Context) int {
	total := 0
	for _, task := range s.tasks {
		count, err := task.Run(ctx)
		if err != nil {
			s.logger.Error(err, "Cleanup task failed", "task", task.Name)
			continue
		}
		if count > 0 {
			s.logger.Debug("Cleaned up expired entries", "task", task.Name, "count", count)
		}
		total += count
	}
	return total
}
