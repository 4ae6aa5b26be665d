package commands

import (
	"context"
	"sync"

	"vehicle-guard/internal/models"
)

// MemoryRepository is an in-process command log for tests and local runs.
type MemoryRepository struct {
	mu       sync.RWMutex
	commands map[string]*models.Command
	order    []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{commands: make(map[string]*models.Command)}
}

func (r *MemoryRepository) Insert(_ context.Context, cmd *models.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.ID] = clone(cmd)
	r.order = append(r.order, cmd.ID)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, cmd *models.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[cmd.ID]; !ok {
		return models.ErrNotFound
	}
	r.commands[cmd.ID] = clone(cmd)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(cmd), nil
}

// FindByVehicle returns the vehicle's commands newest first.
func (r *MemoryRepository) FindByVehicle(_ context.Context, vehicleID string, limit int64) ([]*models.Command, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Command
	for i := len(r.order) - 1; i >= 0; i-- {
		cmd := r.commands[r.order[i]]
		if cmd.VehicleID != vehicleID {
			continue
		}
		out = append(out, clone(cmd))
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}
