package geo

import (
	"fmt"
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	MinPrecision = 1
	MaxPrecision = 12

	// LocationPrecision is used for stored driver and ride positions.
	LocationPrecision = 12
)

// Box is the rectangle covered by a geohash.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

func (b Box) Center() models.GeoPoint {
	return models.GeoPoint{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

func (b Box) Contains(p models.GeoPoint) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Encode validates the inputs and delegates to the geohash library, which
// interleaves longitude and latitude bits starting with longitude.
func Encode(lat, lon float64, precision int) (string, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return "", invalid("geohash precision %d outside [%d,%d]", precision, MinPrecision, MaxPrecision)
	}
	if !(models.GeoPoint{Lat: lat, Lon: lon}).Valid() {
		return "", invalid("coordinate (%v,%v) out of range", lat, lon)
	}
	// the library's 32-bit range encoding wraps at the upper bound
	if lat == 90 {
		lat = math.Nextafter(90, 0)
	}
	if lon == 180 {
		lon = math.Nextafter(180, 0)
	}
	return geohash.EncodeWithPrecision(lat, lon, uint(precision)), nil
}

// DecodeBox returns the cell covered by hash.
func DecodeBox(hash string) (Box, error) {
	if hash == "" {
		return Box{}, invalid("empty geohash")
	}
	if len(hash) > MaxPrecision {
		return Box{}, invalid("geohash %q longer than %d", hash, MaxPrecision)
	}
	if err := geohash.Validate(hash); err != nil {
		return Box{}, invalid("geohash %q: %v", hash, err)
	}
	b := geohash.BoundingBox(hash)
	return Box{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLng, MaxLon: b.MaxLng}, nil
}

// Decode returns the midpoint of the cell, not the originally encoded point.
func Decode(hash string) (models.GeoPoint, error) {
	b, err := DecodeBox(hash)
	if err != nil {
		return models.GeoPoint{}, err
	}
	return b.Center(), nil
}

var compass = [8][2]float64{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

// Neighbors returns the adjacent cells of hash at the same precision in
// N, NE, E, SE, S, SW, W, NW order. Cells beyond a pole are omitted and
// longitude wraps at the antimeridian, so polar cells have fewer than 8.
func Neighbors(hash string) ([]string, error) {
	b, err := DecodeBox(hash)
	if err != nil {
		return nil, err
	}
	center := b.Center()
	latStep := b.MaxLat - b.MinLat
	lonStep := b.MaxLon - b.MinLon

	out := make([]string, 0, len(compass))
	seen := map[string]bool{hash: true}
	for _, d := range compass {
		lat := center.Lat + d[0]*latStep
		if lat > 90 || lat < -90 {
			continue
		}
		lon := wrapLon(center.Lon + d[1]*lonStep)
		n, err := Encode(lat, lon, len(hash))
		if err != nil {
			return nil, err
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), models.ErrInvalidArgument)
}
