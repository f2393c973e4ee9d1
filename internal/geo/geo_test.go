package geo

import (
	"testing"

	mmgeohash "github.com/mmcloughlin/geohash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var samplePoints = []models.GeoPoint{
	{Lat: 40.7589, Lon: -73.9851},
	{Lat: 57.64911, Lon: 10.40744},
	{Lat: -33.8688, Lon: 151.2093},
	{Lat: -6.175392, Lon: 106.827153},
	{Lat: 51.5074, Lon: -0.1278},
}

func TestHaversineZero(t *testing.T) {
	p := models.GeoPoint{Lat: 12.5, Lon: -45}
	assert.Zero(t, HaversineKm(p, p))
}

func TestHaversineSymmetricAndKnownDistance(t *testing.T) {
	nyc := models.GeoPoint{Lat: 40.7128, Lon: -74.0060}
	la := models.GeoPoint{Lat: 34.0522, Lon: -118.2437}
	assert.Equal(t, HaversineKm(nyc, la), HaversineKm(la, nyc))
	assert.InDelta(t, 3936, HaversineKm(nyc, la), 10)
}

func TestEncodeKnownVector(t *testing.T) {
	h, err := Encode(57.64911, 10.40744, 11)
	require.NoError(t, err)
	assert.Equal(t, "u4pruydqqvj", h)
}

func TestEncodeMatchesReferenceLibrary(t *testing.T) {
	for _, p := range samplePoints {
		for precision := MinPrecision; precision <= MaxPrecision; precision++ {
			got, err := Encode(p.Lat, p.Lon, precision)
			require.NoError(t, err)
			assert.Equal(t, mmgeohash.EncodeWithPrecision(p.Lat, p.Lon, uint(precision)), got, "point %v precision %d", p, precision)
		}
	}
}

func TestEncodeRejectsBadInput(t *testing.T) {
	for _, precision := range []int{0, 13, -1} {
		_, err := Encode(1, 1, precision)
		assert.ErrorIs(t, err, models.ErrInvalidArgument)
	}
	_, err := Encode(91, 0, 5)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestEncodeUpperBoundsStayInTopCell(t *testing.T) {
	h, err := Encode(90, 180, 4)
	require.NoError(t, err)
	box, err := DecodeBox(h)
	require.NoError(t, err)
	assert.InDelta(t, 90.0, box.MaxLat, 1e-9)
	assert.InDelta(t, 180.0, box.MaxLon, 1e-9)
}

func TestDecodeRoundTripStaysInCell(t *testing.T) {
	for _, p := range samplePoints {
		for precision := MinPrecision; precision <= MaxPrecision; precision++ {
			h, err := Encode(p.Lat, p.Lon, precision)
			require.NoError(t, err)
			box, err := DecodeBox(h)
			require.NoError(t, err)
			assert.True(t, box.Contains(p), "point %v not in cell %s", p, h)

			center, err := Decode(h)
			require.NoError(t, err)
			assert.True(t, box.Contains(center))
			again, err := Encode(center.Lat, center.Lon, precision)
			require.NoError(t, err)
			assert.Equal(t, h, again)
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	for _, h := range []string{"", "dr5!", "a", "DR5", "dr5ru7c0b2j1x"} {
		_, err := Decode(h)
		assert.ErrorIs(t, err, models.ErrInvalidArgument, h)
	}
}

func TestNeighborsMatchReferenceLibrary(t *testing.T) {
	for _, h := range []string{"dr5ru", "dr5ru7", "u4pruydqqvj", "gcpvj0"} {
		got, err := Neighbors(h)
		require.NoError(t, err)
		assert.ElementsMatch(t, mmgeohash.Neighbors(h), got, h)
	}
}

func TestNeighborsAreSymmetric(t *testing.T) {
	h, err := Encode(40.7589, -73.9851, 7)
	require.NoError(t, err)
	ns, err := Neighbors(h)
	require.NoError(t, err)
	require.Len(t, ns, 8)
	for _, n := range ns {
		back, err := Neighbors(n)
		require.NoError(t, err)
		assert.Contains(t, back, h)
	}
}

func TestNeighborsAtPoleAndAntimeridian(t *testing.T) {
	polar, err := Encode(89.99, 0, 3)
	require.NoError(t, err)
	ns, err := Neighbors(polar)
	require.NoError(t, err)
	assert.Len(t, ns, 5)

	east, err := Encode(0.01, 179.99, 4)
	require.NoError(t, err)
	west, err := Encode(0.01, -179.99, 4)
	require.NoError(t, err)
	ns, err = Neighbors(east)
	require.NoError(t, err)
	assert.Contains(t, ns, west)
}

func TestPrefixesCoveringRadius(t *testing.T) {
	center := models.GeoPoint{Lat: 40.7589, Lon: -73.9851}
	prefixes, err := PrefixesCoveringRadius(center, 5)
	require.NoError(t, err)
	require.Len(t, prefixes, 5)
	full, err := Encode(center.Lat, center.Lon, 5)
	require.NoError(t, err)
	assert.Equal(t, full, prefixes[0])
	for i := 1; i < len(prefixes); i++ {
		assert.Equal(t, prefixes[i-1][:len(prefixes[i])], prefixes[i])
		assert.Len(t, prefixes[i], len(prefixes[i-1])-1)
	}

	tiny, err := PrefixesCoveringRadius(center, 0)
	require.NoError(t, err)
	assert.Len(t, tiny[0], MaxPrecision)

	_, err = PrefixesCoveringRadius(center, -1)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestPrefixShortensAsRadiusGrows(t *testing.T) {
	center := models.GeoPoint{Lat: -33.8688, Lon: 151.2093}
	prev := MaxPrecision + 1
	for _, r := range []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 200, 1000, 5000} {
		prefixes, err := PrefixesCoveringRadius(center, r)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(prefixes[0]), prev, "radius %v", r)
		assert.LessOrEqual(t, CellSizeKm(len(prefixes[0])), 2*r+CellSizeKm(MaxPrecision))
		prev = len(prefixes[0])
	}
}
