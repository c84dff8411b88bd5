// Package geohash wraps github.com/mmcloughlin/geohash with the fixed-precision
// encode/decode contract the live query engine needs: a deterministic base-32
// prefix for a point, and the bounding box a prefix covers.
package geohash

import (
	"strings"

	"github.com/mmcloughlin/geohash"
)

// Alphabet is the base-32 geohash alphabet, lowest to highest lexicographically.
const Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// MaxPrecision is the longest geohash string this package will produce or accept.
const MaxPrecision = 22

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Lat float64
	Lon float64
}

// Box is an axis-aligned latitude/longitude bounding box.
type Box struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

// Encode returns the precision-character geohash for loc. precision is clamped
// to [1, MaxPrecision].
func Encode(loc Location, precision int) string {
	precision = clampPrecision(precision)
	return geohash.EncodeWithPrecision(loc.Lat, loc.Lon, uint(precision))
}

// CellBounds returns the bounding box covered by prefix. An empty or fully
// malformed prefix yields the whole world.
func CellBounds(prefix string) Box {
	if prefix == "" {
		return Box{LatMin: -90, LatMax: 90, LonMin: -180, LonMax: 180}
	}
	box := geohash.BoundingBox(prefix)
	return Box{
		LatMin: box.MinLat,
		LatMax: box.MaxLat,
		LonMin: box.MinLng,
		LonMax: box.MaxLng,
	}
}

// Valid reports whether s consists solely of runes from Alphabet. An empty
// string is valid (it denotes "no constraint").
func Valid(s string) bool {
	for _, r := range s {
		if strings.IndexRune(Alphabet, r) < 0 {
			return false
		}
	}
	return true
}

func clampPrecision(p int) int {
	if p < 1 {
		return 1
	}
	if p > MaxPrecision {
		return MaxPrecision
	}
	return p
}
