package models

import (
	"time"
)

// TimestampSource records where a Reading's DeviceTime came from.
type TimestampSource string

const (
	// TimestampDevice means the device clock supplied the timestamp.
	TimestampDevice TimestampSource = "device"
	// TimestampReceipt means the report carried no timestamp and receipt time was substituted.
	TimestampReceipt TimestampSource = "receipt"
)

type Location struct {
	Lat float64 `bson:"lat" json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `bson:"lng" json:"lng" validate:"gte=-180,lte=180"`
}

// Reading is one normalized telemetry sample. It is never mutated after Ingest returns it.
type Reading struct {
	VehicleID   string          `bson:"vehicle_id" json:"vehicleId"`
	Location    Location        `bson:"location" json:"location"`
	Speed       float64         `bson:"speed" json:"speed"`
	Ignition    bool            `bson:"ignition" json:"ignition"`
	Battery     *float64        `bson:"battery,omitempty" json:"battery,omitempty"`
	Panic       bool            `bson:"panic" json:"panic"`
	Heading     *float64        `bson:"heading,omitempty" json:"heading,omitempty"`
	Altitude    *float64        `bson:"altitude,omitempty" json:"altitude,omitempty"`
	GSMSignal   *int            `bson:"gsm_signal,omitempty" json:"gsmSignal,omitempty"`
	GPSSignal   *int            `bson:"gps_signal,omitempty" json:"gpsSignal,omitempty"`
	Temperature *float64        `bson:"temperature,omitempty" json:"temperature,omitempty"`
	Mileage     *float64        `bson:"mileage,omitempty" json:"mileage,omitempty"`
	Sequence    *int64          `bson:"device_sequence,omitempty" json:"sequence,omitempty"`
	DeviceTime  time.Time       `bson:"device_time" json:"deviceTime"`
	TimeSource  TimestampSource `bson:"time_source" json:"timeSource"`
	ReceivedAt  time.Time       `bson:"received_at" json:"receivedAt"`
}

// VehicleState is the latest authoritative view of one vehicle.
type VehicleState struct {
	VehicleID    string    `bson:"_id" json:"vehicleId"`
	LastReading  *Reading  `bson:"last_reading,omitempty" json:"lastReading,omitempty"`
	IsMoving     bool      `bson:"is_moving" json:"isMoving"`
	EngineLocked bool      `bson:"engine_locked" json:"engineLocked"`
	Sequence     uint64    `bson:"sequence" json:"sequence"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updatedAt"`
}

// Clone returns a copy that can be handed to other goroutines.
// Readings are immutable so the pointer is shared.
func (s *VehicleState) Clone() *VehicleState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Ignition reports the ignition flag of the last reading, false when none exists.
func (s *VehicleState) Ignition() bool {
	return s != nil && s.LastReading != nil && s.LastReading.Ignition
}

// Battery reports the last known battery level.
func (s *VehicleState) Battery() *float64 {
	if s == nil || s.LastReading == nil {
		return nil
	}
	return s.LastReading.Battery
}

// Location reports the last known position.
func (s *VehicleState) Location() *Location {
	if s == nil || s.LastReading == nil {
		return nil
	}
	loc := s.LastReading.Location
	return &loc
}

// Panic reports whether the last reading carried the panic flag.
func (s *VehicleState) Panic() bool {
	return s != nil && s.LastReading != nil && s.LastReading.Panic
}
