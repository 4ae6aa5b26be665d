package models

type GeofenceKind string

const (
	GeofenceCircle  GeofenceKind = "circle"
	GeofencePolygon GeofenceKind = "polygon"
)

// Geofence is either a circle (Center + RadiusMeters) or a polygon (Points).
type Geofence struct {
	Kind         GeofenceKind `json:"kind" validate:"required,oneof=circle polygon"`
	Center       *Location    `json:"center,omitempty" validate:"required_if=Kind circle"`
	RadiusMeters float64      `json:"radiusMeters,omitempty" validate:"required_if=Kind circle,gte=0"`
	Points       []Location   `json:"points,omitempty" validate:"required_if=Kind polygon,omitempty,min=3,dive"`
}
