// Package rangeplan turns a geodesic circle into a minimal set of geohash
// prefix ranges, generalizing the teacher's internal/geo/geohash.go Cover
// function (which sweeps a bounding box at a fixed cell size and collects the
// geohashes it touches) from "set of cells" to "set of lexicographic prefix
// ranges with a sentinel upper bound", which is what a range-subscription
// datastore actually indexes on.
package rangeplan

import (
	"sort"

	"github.com/flybeeper/geoquery/internal/geohash"
	"github.com/flybeeper/geoquery/internal/geomath"
)

// Sentinel is appended to a prefix to form its range's upper bound. It must
// sort after every character in geohash.Alphabet; '~' (0x7E) does.
const Sentinel = "~"

// Range is a half-open lexicographic range [Lo, Hi) over geohash strings.
type Range struct {
	Lo, Hi string
}

// Plan returns a minimal, deduplicated set of ranges covering the bounding
// box of a circle of radiusMeters around center, at the datastore's fixed
// record precision. Every point within radiusMeters of center is guaranteed
// to have its precision-P geohash fall inside at least one returned range;
// false positives (points outside the circle whose geohash is still covered)
// are expected and are rejected later by the membership tracker.
func Plan(center geomath.Location, radiusMeters float64, precision int) []Range {
	if precision < 1 {
		precision = 1
	}

	bits := geomath.BitsForBoundingBox(center, radiusMeters, 5*precision)
	chars := (bits + 4) / 5
	if chars < 1 {
		chars = 1
	}
	if chars > precision {
		chars = precision
	}

	latErrDeg := geomath.MetersToLatitudeDegrees(radiusMeters)
	lonErrDeg := geomath.MetersToLongitudeDegrees(radiusMeters, center.Lat)

	latMin := clampLat(center.Lat - latErrDeg)
	latMax := clampLat(center.Lat + latErrDeg)

	if lonErrDeg >= 180 {
		return dedup(planBox(latMin, latMax, -180, 180, chars))
	}

	lonMinRaw := center.Lon - lonErrDeg
	lonMaxRaw := center.Lon + lonErrDeg
	lonMin := geomath.WrapLongitude(lonMinRaw)
	lonMax := geomath.WrapLongitude(lonMaxRaw)

	if lonMinRaw < -180 || lonMaxRaw > 180 || lonMin > lonMax {
		east := planBox(latMin, latMax, lonMin, 180, chars)
		west := planBox(latMin, latMax, -180, lonMax, chars)
		return dedup(append(east, west...))
	}

	return dedup(planBox(latMin, latMax, lonMin, lonMax, chars))
}

// planBox sweeps [latMin,latMax] x [lonMin,lonMax] in steps of one cell at
// the given precision, collecting every prefix the sweep touches. Starting
// the sweep exactly at the box edges and stepping by the cell size (rather
// than, say, sampling only the four corners) guarantees every point in the
// box lands in a swept cell even when the box spans more than one cell in
// either dimension.
func planBox(latMin, latMax, lonMin, lonMax float64, chars int) []Range {
	if latMin > latMax || lonMin > lonMax {
		return nil
	}

	centerPrefix := geohash.Encode(geohash.Location{Lat: (latMin + latMax) / 2, Lon: (lonMin + lonMax) / 2}, chars)
	cell := geohash.CellBounds(centerPrefix)
	latStep := cell.LatMax - cell.LatMin
	lonStep := cell.LonMax - cell.LonMin
	if latStep <= 0 {
		latStep = 180
	}
	if lonStep <= 0 {
		lonStep = 360
	}

	seen := make(map[string]struct{})
	var ranges []Range

	// The sweep is bounded defensively: BitsForBoundingBox chooses chars to
	// keep the cell size on the order of the box size, so this is normally a
	// handful of iterations; the cap only guards against a caller passing a
	// precision mismatched to radiusMeters.
	const maxCells = 4096
	cells := 0

outer:
	for lat := latMin; ; lat += latStep {
		atLatEdge := lat >= latMax
		row := lat
		if atLatEdge {
			row = latMax
		}

		for lon := lonMin; ; lon += lonStep {
			atLonEdge := lon >= lonMax
			col := lon
			if atLonEdge {
				col = lonMax
			}

			prefix := geohash.Encode(geohash.Location{Lat: row, Lon: col}, chars)
			if _, ok := seen[prefix]; !ok {
				seen[prefix] = struct{}{}
				ranges = append(ranges, Range{Lo: prefix, Hi: prefix + Sentinel})
				cells++
				if cells >= maxCells {
					break outer
				}
			}

			if atLonEdge {
				break
			}
		}

		if atLatEdge {
			break
		}
	}

	return ranges
}

func dedup(ranges []Range) []Range {
	if len(ranges) == 0 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Lo < ranges[j].Lo })

	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Lo == last.Lo {
			continue
		}
		// Touching ranges: the current range's lower bound already falls
		// within the previous range (same-length prefixes only touch like
		// this when they're identical, but a shorter previous prefix can
		// subsume a longer one produced by a mixed-precision caller).
		if r.Lo >= last.Lo && r.Lo <= last.Hi {
			if r.Hi > last.Hi {
				last.Hi = r.Hi
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func clampLat(lat float64) float64 {
	if lat < -90 {
		return -90
	}
	if lat > 90 {
		return 90
	}
	return lat
}
