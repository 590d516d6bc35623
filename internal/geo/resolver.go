// Package geo resolves the closest restaurant location to a point.
package geo

import (
	"errors"
	"math"

	"restaurant-agent/internal/domain"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0088

// ErrNoLocations is returned by Nearest when there is nothing to choose from.
var ErrNoLocations = errors.New("geo: no locations")

// ValidCoordinates reports whether lat/lon are inside their ranges.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Distance returns the haversine distance in kilometres between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a slightly past 1 for antipodal points.
	a = math.Min(1, math.Max(0, a))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(a))
}

// Nearest returns the location closest to (lat, lon) and its distance in km.
// Equal distances resolve to the location listed first.
func Nearest(lat, lon float64, locs []domain.Location) (domain.Location, float64, error) {
	if len(locs) == 0 {
		return domain.Location{}, 0, ErrNoLocations
	}
	best := 0
	bestDist := Distance(lat, lon, locs[0].Latitude, locs[0].Longitude)
	for i := 1; i < len(locs); i++ {
		d := Distance(lat, lon, locs[i].Latitude, locs[i].Longitude)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return locs[best], bestDist, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
