package services

import (
	"context"

	"vehicle-guard/internal/models"
	"vehicle-guard/internal/rules"
)

// GeofenceRequest sets or clears (Geofence == nil) a vehicle's geofence.
type GeofenceRequest struct {
	Geofence *models.Geofence `json:"geofence" validate:"omitempty"`
}

type SessionRequest struct {
	Authorized bool `json:"authorized"`
}

type EngineLockRequest struct {
	Locked bool `json:"locked"`
}

// VehicleService exposes per-vehicle state and the rule environment.
type VehicleService struct {
	telemetry *TelemetryService
	provider  *rules.MemoryProvider
}

func NewVehicleService(telemetry *TelemetryService, provider *rules.MemoryProvider) *VehicleService {
	return &VehicleService{telemetry: telemetry, provider: provider}
}

func (s *VehicleService) GetState(ctx context.Context, vehicleID string) (*models.VehicleState, error) {
	return s.telemetry.Latest(ctx, vehicleID)
}

// GetEnvironment reports the geofence and session flag rules currently see.
func (s *VehicleService) GetEnvironment(ctx context.Context, vehicleID string) rules.Environment {
	return s.provider.Environment(ctx, vehicleID)
}

func (s *VehicleService) SetGeofence(vehicleID string, req *GeofenceRequest) {
	s.provider.SetGeofence(vehicleID, req.Geofence)
}

func (s *VehicleService) SetSession(vehicleID string, req *SessionRequest) {
	s.provider.SetSessionAuthorized(vehicleID, req.Authorized)
}

// SetEngineLock is the manual override; it records the same alert an
// acknowledged lock or unlock command would.
func (s *VehicleService) SetEngineLock(ctx context.Context, vehicleID string, req *EngineLockRequest) (*models.VehicleState, error) {
	res, err := s.telemetry.SetEngineLock(ctx, vehicleID, req.Locked, true)
	if res == nil {
		return nil, err
	}
	return res.State, err
}
