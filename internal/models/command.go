package models

import (
	"time"
)

type CommandType string

const (
	CommandLockEngine    CommandType = "lock_engine"
	CommandUnlockEngine  CommandType = "unlock_engine"
	CommandGetStatus     CommandType = "get_status"
	CommandEmergencyStop CommandType = "emergency_stop"
	CommandHorn          CommandType = "horn"
	CommandLights        CommandType = "lights"
)

func (t CommandType) Valid() bool {
	switch t {
	case CommandLockEngine, CommandUnlockEngine, CommandGetStatus,
		CommandEmergencyStop, CommandHorn, CommandLights:
		return true
	}
	return false
}

type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
	CommandTimeout      CommandStatus = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandAcknowledged, CommandFailed, CommandTimeout:
		return true
	}
	return false
}

type Command struct {
	ID         string        `bson:"_id" json:"id"`
	VehicleID  string        `bson:"vehicle_id" json:"vehicleId"`
	Type       CommandType   `bson:"command" json:"command"`
	Status     CommandStatus `bson:"status" json:"status"`
	CreatedAt  time.Time     `bson:"created_at" json:"createdAt"`
	SentAt     *time.Time    `bson:"sent_at,omitempty" json:"sentAt,omitempty"`
	ExecutedAt *time.Time    `bson:"executed_at,omitempty" json:"executedAt,omitempty"`
	Response   string        `bson:"response,omitempty" json:"response,omitempty"`
}

// CommandAck is the device-side confirmation of a command.
type CommandAck struct {
	CommandID string `json:"commandId" validate:"required"`
	VehicleID string `json:"vehicleId,omitempty"`
	Success   bool   `json:"success"`
	Response  string `json:"response,omitempty"`
}
