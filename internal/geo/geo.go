package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EarthRadiusKm = 6371.0
	kmPerDegree   = 111.0
)

// HaversineKm returns the great-circle distance between two points in kilometers.
func HaversineKm(p1, p2 models.GeoPoint) float64 {
	dLat := (p2.Lat - p1.Lat) * math.Pi / 180
	dLon := (p2.Lon - p1.Lon) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(p1.Lat*math.Pi/180)*math.Cos(p2.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// CellSizeKm approximates the longest side of a geohash cell at the given
// precision. Longitude is scaled by cos(45°) as a mid-latitude correction.
func CellSizeKm(precision int) float64 {
	exp := float64((precision * 5) / 2)
	latSize := 180 / math.Pow(2, exp)
	lonSize := 360 / math.Pow(2, exp)
	return math.Max(latSize*kmPerDegree, lonSize*kmPerDegree*math.Cos(math.Pi/4))
}

// PrefixesCoveringRadius returns the search order for a radius query around
// center: the coarsest geohash whose cell fits inside the query diameter,
// followed by each broader ancestor prefix down to length 1. Callers query
// the first entry and fall back to the next one only when it yields nothing.
func PrefixesCoveringRadius(center models.GeoPoint, radiusKm float64) ([]string, error) {
	if math.IsNaN(radiusKm) || radiusKm < 0 {
		return nil, invalid("radius %v", radiusKm)
	}
	precision := MaxPrecision
	for p := MinPrecision; p <= MaxPrecision; p++ {
		if CellSizeKm(p) <= 2*radiusKm {
			precision = p
			break
		}
	}
	hash, err := Encode(center.Lat, center.Lon, precision)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, precision)
	for l := precision; l >= MinPrecision; l-- {
		out = append(out, hash[:l])
	}
	return out, nil
}
