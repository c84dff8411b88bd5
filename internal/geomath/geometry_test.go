package geomath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceSymmetryAndIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		a := Location{Lat: rng.Float64()*180 - 90, Lon: rng.Float64()*360 - 180}
		b := Location{Lat: rng.Float64()*180 - 90, Lon: rng.Float64()*360 - 180}
		assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
		assert.InDelta(t, 0, DistanceKm(a, a), 1e-9)
	}
}

func TestDistanceAntipodal(t *testing.T) {
	a := Location{Lat: 0, Lon: 0}
	b := Location{Lat: 0, Lon: 180}
	assert.InDelta(t, math.Pi*EarthRadiusKm, DistanceKm(a, b), 1.0)
}

func TestDistanceKnownValue(t *testing.T) {
	// (1,2) to (2,2): one degree of latitude, ~111.19 km.
	d := DistanceKm(Location{Lat: 1, Lon: 2}, Location{Lat: 2, Lon: 2})
	assert.InDelta(t, 111.19, d, 1.0)
}

func TestWrapLongitude(t *testing.T) {
	assert.InDelta(t, -180.0, WrapLongitude(-180), 1e-9)
	assert.InDelta(t, 180.0, WrapLongitude(180), 1e-9)
	assert.InDelta(t, -179.0, WrapLongitude(181), 1e-9)
	assert.InDelta(t, 0.0, WrapLongitude(360), 1e-9)
	assert.InDelta(t, 0.0, WrapLongitude(0), 1e-9)
}

func TestMetersToLongitudeDegreesClampsAtPole(t *testing.T) {
	d := MetersToLongitudeDegrees(1000, 90)
	assert.Equal(t, 360.0, d)
	d = MetersToLongitudeDegrees(1000, -90)
	assert.Equal(t, 360.0, d)
}

func TestBitsForBoundingBoxClamped(t *testing.T) {
	bits := BitsForBoundingBox(Location{Lat: 0, Lon: 0}, 1, 50)
	assert.GreaterOrEqual(t, bits, 1)
	assert.LessOrEqual(t, bits, 50)

	bits = BitsForBoundingBox(Location{Lat: 0, Lon: 0}, 20000000, 50)
	assert.Equal(t, 1, bits)
}

func TestBitsForBoundingBoxMonotonicInRadius(t *testing.T) {
	small := BitsForBoundingBox(Location{Lat: 10, Lon: 10}, 100, 60)
	large := BitsForBoundingBox(Location{Lat: 10, Lon: 10}, 100000, 60)
	assert.GreaterOrEqual(t, small, large)
}
