package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vehicle-guard/internal/models"
)

func TestDistance(t *testing.T) {
	a := models.Location{Lat: 0, Lng: 0}
	b := models.Location{Lat: 0, Lng: 1}

	// One degree of longitude on the equator is ~111.19 km.
	assert.InDelta(t, 111195, Distance(a, b), 50)
	assert.Equal(t, 0.0, Distance(a, a))
}

func TestContains_Circle(t *testing.T) {
	fence := &models.Geofence{
		Kind:         models.GeofenceCircle,
		Center:       &models.Location{Lat: 12.9, Lng: 77.6},
		RadiusMeters: 1000,
	}

	assert.True(t, Contains(fence, models.Location{Lat: 12.9, Lng: 77.6}))
	assert.True(t, Contains(fence, models.Location{Lat: 12.905, Lng: 77.6}))
	assert.False(t, Contains(fence, models.Location{Lat: 13.0, Lng: 77.6}))
}

func TestContains_Polygon(t *testing.T) {
	fence := &models.Geofence{
		Kind: models.GeofencePolygon,
		Points: []models.Location{
			{Lat: 0, Lng: 0},
			{Lat: 0, Lng: 10},
			{Lat: 10, Lng: 10},
			{Lat: 10, Lng: 0},
		},
	}

	assert.True(t, Contains(fence, models.Location{Lat: 5, Lng: 5}))
	assert.False(t, Contains(fence, models.Location{Lat: 15, Lng: 5}))
	assert.False(t, Contains(fence, models.Location{Lat: 5, Lng: -1}))
}

func TestContains_Degenerate(t *testing.T) {
	assert.False(t, Contains(nil, models.Location{}))
	assert.False(t, Contains(&models.Geofence{Kind: models.GeofencePolygon}, models.Location{}))
	assert.False(t, Contains(&models.Geofence{Kind: models.GeofenceCircle}, models.Location{}))
}
