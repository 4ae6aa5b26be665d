package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vehicle-guard/internal/broadcast"
)

// Filters narrows a client's subscription inside its permitted vehicles.
type Filters struct {
	VehicleIDs []string `json:"vehicleIds,omitempty"`
}

// Client is one dashboard connection bound to a broadcast session.
type Client struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Session *broadcast.Session

	control chan Message

	mu       sync.Mutex
	lastPing time.Time
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Client) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// Message is the envelope for both directions.
type Message struct {
	Type string          `json:"type"`
	Data any             `json:"data,omitempty"`
	Raw  json.RawMessage `json:"filters,omitempty"`
}

type ClientStats struct {
	TotalClients int `json:"totalClients"`
	Sessions     int `json:"sessions"`
}

// Outgoing message types.
const (
	MessageTypeVehicleUpdate = "vehicle_update"
	MessageTypeAlert         = "alert"
	MessageTypeCommandUpdate = "command_update"
	MessageTypeFiltersSet    = "filters_updated"
	MessageTypePong          = "pong"
	MessageTypeError         = "error"
)

// Incoming message types.
const (
	MessageTypePing          = "ping"
	MessageTypeUpdateFilters = "update_filters"
)

func messageType(kind broadcast.EventKind) string {
	switch kind {
	case broadcast.KindAlert:
		return MessageTypeAlert
	case broadcast.KindCommand:
		return MessageTypeCommandUpdate
	default:
		return MessageTypeVehicleUpdate
	}
}
