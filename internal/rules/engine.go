// Package rules turns a pair of consecutive vehicle snapshots into alert
// candidates. Evaluation is pure: no I/O, no clocks, no shared state.
package rules

import (
	"fmt"

	"vehicle-guard/internal/models"
	"vehicle-guard/pkg/geo"
)

// Environment is the per-vehicle context supplied by the geofence and
// authorized-session provider at evaluation time.
type Environment struct {
	Geofence          *models.Geofence `json:"geofence,omitempty"`
	SessionAuthorized bool             `json:"sessionAuthorized"`
}

type Config struct {
	LowBatteryThreshold float64
}

func DefaultConfig() Config {
	return Config{LowBatteryThreshold: 15}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

type rule func(prev, next *models.VehicleState, env Environment) (string, bool)

// Evaluate runs every rule once. prev may be nil for a vehicle's first snapshot.
func (e *Engine) Evaluate(prev, next *models.VehicleState, env Environment) []models.CandidateAlert {
	if next == nil {
		return nil
	}

	checks := []struct {
		typ   models.AlertType
		check rule
	}{
		{models.AlertIgnitionTamper, ignitionTamper},
		{models.AlertUnauthorizedMovement, unauthorizedMovement},
		{models.AlertLowBattery, e.lowBattery},
		{models.AlertGeofenceBreach, geofenceBreach},
		{models.AlertEmergency, emergency},
	}

	var out []models.CandidateAlert
	for _, c := range checks {
		msg, fired := c.check(prev, next, env)
		if !fired {
			continue
		}
		out = append(out, newCandidate(next, c.typ, msg))
	}
	return out
}

func newCandidate(next *models.VehicleState, typ models.AlertType, msg string) models.CandidateAlert {
	cand := models.CandidateAlert{
		VehicleID:  next.VehicleID,
		Type:       typ,
		Severity:   typ.Severity(),
		Message:    msg,
		Location:   next.Location(),
		DetectedAt: next.UpdatedAt,
	}
	if next.LastReading != nil {
		cand.Speed = next.LastReading.Speed
		cand.DetectedAt = next.LastReading.DeviceTime
	}
	return cand
}

func ignitionTamper(prev, next *models.VehicleState, _ Environment) (string, bool) {
	if next.EngineLocked && next.Ignition() && !prev.Ignition() {
		return fmt.Sprintf("Ignition turned on while engine is locked on vehicle %s", next.VehicleID), true
	}
	return "", false
}

func unauthorizedMovement(prev, next *models.VehicleState, env Environment) (string, bool) {
	wasMoving := prev != nil && prev.IsMoving
	if !next.IsMoving || wasMoving {
		return "", false
	}
	switch {
	case next.EngineLocked:
		return fmt.Sprintf("Vehicle %s started moving while engine is locked", next.VehicleID), true
	case !env.SessionAuthorized:
		return fmt.Sprintf("Vehicle %s started moving without an authorized session", next.VehicleID), true
	}
	return "", false
}

// lowBattery fires on the falling edge only. An unknown previous level
// counts as armed.
func (e *Engine) lowBattery(prev, next *models.VehicleState, _ Environment) (string, bool) {
	level := next.Battery()
	if level == nil || *level >= e.cfg.LowBatteryThreshold {
		return "", false
	}
	if before := prev.Battery(); before != nil && *before < e.cfg.LowBatteryThreshold {
		return "", false
	}
	return fmt.Sprintf("Battery on vehicle %s dropped to %.0f%%", next.VehicleID, *level), true
}

func geofenceBreach(prev, next *models.VehicleState, env Environment) (string, bool) {
	if env.Geofence == nil {
		return "", false
	}
	before, after := prev.Location(), next.Location()
	if before == nil || after == nil {
		return "", false
	}
	if geo.Contains(env.Geofence, *before) && !geo.Contains(env.Geofence, *after) {
		return fmt.Sprintf("Vehicle %s left its geofence", next.VehicleID), true
	}
	return "", false
}

func emergency(prev, next *models.VehicleState, _ Environment) (string, bool) {
	if next.Panic() && !prev.Panic() {
		return fmt.Sprintf("Emergency signal from vehicle %s", next.VehicleID), true
	}
	return "", false
}
