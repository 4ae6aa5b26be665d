package alerts

import (
	"context"
	"slices"
	"sync"
	"time"

	"vehicle-guard/internal/models"
)

// MemoryRepository keeps alerts in process. It backs tests and local runs
// without MongoDB.
type MemoryRepository struct {
	mu     sync.RWMutex
	alerts map[string]*models.AlertEvent
	order  []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: make(map[string]*models.AlertEvent)}
}

func (r *MemoryRepository) Insert(_ context.Context, alert *models.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *alert
	r.alerts[alert.ID] = &c
	r.order = append(r.order, alert.ID)
	return nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, id string, at time.Time) (*models.AlertEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !a.Read {
		a.Read = true
		a.ReadAt = &at
	}
	c := *a
	return &c, nil
}

func (r *MemoryRepository) Acknowledge(_ context.Context, id string, at time.Time) (*models.AlertEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !a.Read {
		a.Read = true
		a.ReadAt = &at
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedAt = &at
	}
	c := *a
	return &c, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.AlertEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *a
	return &c, nil
}

// Find returns matching alerts newest first.
func (r *MemoryRepository) Find(_ context.Context, filter models.AlertFilter) ([]*models.AlertEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AlertEvent
	for i := len(r.order) - 1; i >= 0; i-- {
		a := r.alerts[r.order[i]]
		if !matches(a, filter) {
			continue
		}
		c := *a
		out = append(out, &c)
		if filter.Limit > 0 && int64(len(out)) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) Stats(_ context.Context, vehicleIDs []string) (*models.AlertStatistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &models.AlertStatistics{
		ByType:     make(map[models.AlertType]int64),
		BySeverity: make(map[models.Severity]int64),
	}
	for _, a := range r.alerts {
		if !matches(a, models.AlertFilter{VehicleIDs: vehicleIDs}) {
			continue
		}
		stats.Total++
		if !a.Read {
			stats.Unread++
		}
		if !a.Acknowledged {
			stats.Unacknowledged++
		}
		stats.ByType[a.Type]++
		stats.BySeverity[a.Severity]++
	}
	return stats, nil
}

func matches(a *models.AlertEvent, f models.AlertFilter) bool {
	if len(f.VehicleIDs) > 0 && !slices.Contains(f.VehicleIDs, a.VehicleID) {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.UnreadOnly && a.Read {
		return false
	}
	return true
}
