// Package geo holds the small amount of spherical geometry the geofence rule needs.
package geo

import (
	"math"

	"vehicle-guard/internal/models"
)

// EarthRadius in meters.
const EarthRadius = 6371000

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b models.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadius * c
}

// InPolygon reports whether p lies inside the polygon using ray casting on
// lat/lng treated as planar coordinates. Good enough for city-scale fences
// that do not cross the antimeridian.
func InPolygon(p models.Location, poly []models.Location) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := range poly {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) {
			x := (pj.Lng-pi.Lng)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lng
			if p.Lng < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Contains reports whether loc is inside the fence. A nil fence contains nothing.
func Contains(fence *models.Geofence, loc models.Location) bool {
	if fence == nil {
		return false
	}
	switch fence.Kind {
	case models.GeofenceCircle:
		if fence.Center == nil {
			return false
		}
		return Distance(*fence.Center, loc) <= fence.RadiusMeters
	case models.GeofencePolygon:
		return InPolygon(loc, fence.Points)
	}
	return false
}
