package ingest

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"vehicle-guard/internal/models"
)

// RawReport is the inbound device payload. Optional fields are pointers so
// that "absent" and "zero" stay distinguishable.
type RawReport struct {
	VehicleID string   `json:"vehicleId" validate:"required,max=64"`
	Lat       *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng       *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	// Some firmware sends the long names; they are folded into Lat/Lng.
	Latitude  *float64 `json:"latitude,omitempty" validate:"-"`
	Longitude *float64 `json:"longitude,omitempty" validate:"-"`

	Speed       *float64 `json:"speed,omitempty"`
	Ignition    *bool    `json:"ignition,omitempty"`
	Battery     *float64 `json:"battery,omitempty" validate:"omitempty,gte=0,lte=100"`
	Panic       *bool    `json:"panic,omitempty"`
	Heading     *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Altitude    *float64 `json:"altitude,omitempty"`
	GSMSignal   *int     `json:"gsmSignal,omitempty" validate:"omitempty,gte=0,lte=100"`
	GPSSignal   *int     `json:"gpsSignal,omitempty" validate:"omitempty,gte=0,lte=100"`
	Temperature *float64 `json:"temperature,omitempty"`
	Mileage     *float64 `json:"mileage,omitempty" validate:"omitempty,gte=0"`
	Sequence    *int64   `json:"sequence,omitempty" validate:"omitempty,gte=0"`

	DeviceTimestamp *time.Time `json:"deviceTimestamp,omitempty"`
}

// Normalizer validates raw reports and turns them into Readings. It holds no
// state besides the validator and clock and is safe for concurrent use.
type Normalizer struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewNormalizer() *Normalizer {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Normalizer{validate: v, now: time.Now}
}

// WithClock replaces the receipt clock, for tests.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Decode parses a JSON payload and normalizes it.
func (n *Normalizer) Decode(payload []byte) (models.Reading, error) {
	var raw RawReport
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.Reading{}, &models.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return n.Normalize(raw)
}

// Normalize validates raw and returns the canonical Reading.
// Invalid input yields a *models.ValidationError naming the offending field.
func (n *Normalizer) Normalize(raw RawReport) (models.Reading, error) {
	receivedAt := n.now().UTC()

	raw.VehicleID = strings.TrimSpace(raw.VehicleID)
	if raw.Lat == nil {
		raw.Lat = raw.Latitude
	}
	if raw.Lng == nil {
		raw.Lng = raw.Longitude
	}

	if err := n.validate.Struct(raw); err != nil {
		return models.Reading{}, toValidationError(err)
	}

	reading := models.Reading{
		VehicleID:   raw.VehicleID,
		Location:    models.Location{Lat: *raw.Lat, Lng: *raw.Lng},
		Speed:       clampSpeed(raw.Speed),
		Ignition:    raw.Ignition != nil && *raw.Ignition,
		Battery:     raw.Battery,
		Panic:       raw.Panic != nil && *raw.Panic,
		Heading:     raw.Heading,
		Altitude:    raw.Altitude,
		GSMSignal:   raw.GSMSignal,
		GPSSignal:   raw.GPSSignal,
		Temperature: raw.Temperature,
		Mileage:     raw.Mileage,
		Sequence:    raw.Sequence,
		ReceivedAt:  receivedAt,
	}

	if raw.DeviceTimestamp != nil && !raw.DeviceTimestamp.IsZero() {
		reading.DeviceTime = raw.DeviceTimestamp.UTC()
		reading.TimeSource = models.TimestampDevice
	} else {
		reading.DeviceTime = receivedAt
		reading.TimeSource = models.TimestampReceipt
	}

	return reading, nil
}

func clampSpeed(speed *float64) float64 {
	if speed == nil || math.IsNaN(*speed) || *speed < 0 {
		return 0
	}
	return *speed
}

func toValidationError(err error) *models.ValidationError {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &models.ValidationError{Field: "body", Reason: err.Error()}
	}

	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return &models.ValidationError{Field: field, Reason: "is required"}
	case "gte", "lte", "lt":
		return &models.ValidationError{Field: field, Reason: "out of range"}
	case "max":
		return &models.ValidationError{Field: field, Reason: "too long"}
	default:
		return &models.ValidationError{Field: field, Reason: "is invalid"}
	}
}
