package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrInvalidCoord = errors.New("invalid coordinate")

// ValidateCoord rejects NaN, infinities and out of range latitude/longitude.
func ValidateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrInvalidCoord, c.Lat)
	}
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %v", ErrInvalidCoord, c.Lon)
	}
	return nil
}

// Rank computes the distance from origin to every driver and orders them
// nearest first. Ties keep the input order. A driver with a malformed
// location fails the whole ranking.
func Rank(origin models.Coord, drivers []models.Driver) ([]models.Candidate, error) {
	if err := ValidateCoord(origin); err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	out := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if err := ValidateCoord(d.Loc); err != nil {
			return nil, fmt.Errorf("driver %s: %w", d.ID, err)
		}
		out = append(out, models.Candidate{
			Driver:         d,
			DistanceMeters: Distance(origin, d.Loc),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out, nil
}

// Distance is the great-circle distance between two points in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// OffsetNorth returns the point the given number of meters due north of c.
// Handy for building fixtures at known distances.
func OffsetNorth(c models.Coord, meters float64) models.Coord {
	const R = 6371000.0
	return models.Coord{Lat: c.Lat + (meters/R)*180/math.Pi, Lon: c.Lon}
}
