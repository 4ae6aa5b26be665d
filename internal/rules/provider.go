package rules

import (
	"context"
	"sync"

	"vehicle-guard/internal/models"
)

// Provider supplies the geofence and authorized-session flag for a vehicle.
type Provider interface {
	Environment(ctx context.Context, vehicleID string) Environment
}

// MemoryProvider is an in-process Provider fed by the admin API.
// A vehicle without an entry has no geofence and no authorized session.
type MemoryProvider struct {
	mu         sync.RWMutex
	geofences  map[string]models.Geofence
	authorized map[string]bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		geofences:  make(map[string]models.Geofence),
		authorized: make(map[string]bool),
	}
}

func (p *MemoryProvider) Environment(_ context.Context, vehicleID string) Environment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	env := Environment{SessionAuthorized: p.authorized[vehicleID]}
	if fence, ok := p.geofences[vehicleID]; ok {
		env.Geofence = &fence
	}
	return env
}

// SetGeofence replaces the vehicle's geofence; nil clears it.
func (p *MemoryProvider) SetGeofence(vehicleID string, fence *models.Geofence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fence == nil {
		delete(p.geofences, vehicleID)
		return
	}
	p.geofences[vehicleID] = *fence
}

func (p *MemoryProvider) SetSessionAuthorized(vehicleID string, authorized bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if authorized {
		p.authorized[vehicleID] = true
		return
	}
	delete(p.authorized, vehicleID)
}
