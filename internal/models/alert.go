package models

import (
	"time"
)

type AlertType string

const (
	AlertUnauthorizedMovement AlertType = "unauthorized_movement"
	AlertIgnitionTamper       AlertType = "ignition_tamper"
	AlertGeofenceBreach       AlertType = "geofence_breach"
	AlertLowBattery           AlertType = "low_battery"
	AlertEmergency            AlertType = "emergency"
	AlertEngineLock           AlertType = "engine_lock"
	AlertEngineUnlock         AlertType = "engine_unlock"
)

// AlertTypes lists every alert type in a stable order.
var AlertTypes = []AlertType{
	AlertUnauthorizedMovement,
	AlertIgnitionTamper,
	AlertGeofenceBreach,
	AlertLowBattery,
	AlertEmergency,
	AlertEngineLock,
	AlertEngineUnlock,
}

func (t AlertType) Valid() bool {
	switch t {
	case AlertUnauthorizedMovement, AlertIgnitionTamper, AlertGeofenceBreach,
		AlertLowBattery, AlertEmergency, AlertEngineLock, AlertEngineUnlock:
		return true
	}
	return false
}

// Severity returns the fixed severity for the alert type.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertIgnitionTamper, AlertEmergency:
		return SeverityCritical
	case AlertUnauthorizedMovement, AlertGeofenceBreach:
		return SeverityHigh
	case AlertLowBattery:
		return SeverityMedium
	case AlertEngineLock, AlertEngineUnlock:
		return SeverityLow
	default:
		return SeverityLow
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// CandidateAlert is a rule outcome that has not yet been through cooldown admission.
type CandidateAlert struct {
	VehicleID  string    `json:"vehicleId"`
	Type       AlertType `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Location   *Location `json:"location,omitempty"`
	Speed      float64   `json:"speed"`
	DetectedAt time.Time `json:"detectedAt"`
}

// AlertEvent is a persisted, admitted alert. Only the read and acknowledged
// metadata ever change after creation.
type AlertEvent struct {
	ID             string     `bson:"_id" json:"id"`
	VehicleID      string     `bson:"vehicle_id" json:"vehicleId"`
	Type           AlertType  `bson:"type" json:"type"`
	Severity       Severity   `bson:"severity" json:"severity"`
	Message        string     `bson:"message" json:"message"`
	Location       *Location  `bson:"location,omitempty" json:"location,omitempty"`
	Speed          float64    `bson:"speed" json:"speed"`
	CreatedAt      time.Time  `bson:"created_at" json:"createdAt"`
	Read           bool       `bson:"read" json:"read"`
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"readAt,omitempty"`
	Acknowledged   bool       `bson:"acknowledged" json:"acknowledged"`
	AcknowledgedAt *time.Time `bson:"acknowledged_at,omitempty" json:"acknowledgedAt,omitempty"`
}

// AlertFilter narrows alert queries. Zero values match everything.
type AlertFilter struct {
	VehicleIDs []string
	Type       AlertType
	Severity   Severity
	UnreadOnly bool
	Limit      int64
}

type AlertStatistics struct {
	Total          int64              `json:"total"`
	Unread         int64              `json:"unread"`
	Unacknowledged int64              `json:"unacknowledged"`
	ByType         map[AlertType]int64 `json:"byType"`
	BySeverity     map[Severity]int64  `json:"bySeverity"`
}
