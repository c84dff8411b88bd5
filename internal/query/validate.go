package query

import (
	"math"
	"strings"

	"github.com/flybeeper/geoquery/internal/geomath"
)

// maxKeyBytes and forbiddenKeyChars mirror the datastore's own key
// restrictions (it stores keys as path segments), so a key the query engine
// accepts is guaranteed writable back to the same store.
const maxKeyBytes = 768

const forbiddenKeyChars = ".$#[]/"

// ValidateKey reports whether key is an acceptable tracked-location key:
// non-empty, at most 768 bytes, printable (no control characters), and free
// of the characters a path-structured datastore reserves.
func ValidateKey(key string) error {
	if key == "" {
		return validationErrorf("key must not be empty")
	}
	if len(key) > maxKeyBytes {
		return validationErrorf("key exceeds %d bytes", maxKeyBytes)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return validationErrorf("key contains a control character")
		}
	}
	if strings.ContainsAny(key, forbiddenKeyChars) {
		return validationErrorf("key contains a forbidden character (one of %q)", forbiddenKeyChars)
	}
	return nil
}

// ValidateLocation reports whether loc is a finite point on the globe.
func ValidateLocation(loc geomath.Location) error {
	if math.IsNaN(loc.Lat) || math.IsNaN(loc.Lon) || math.IsInf(loc.Lat, 0) || math.IsInf(loc.Lon, 0) {
		return validationErrorf("location must be finite")
	}
	if loc.Lat < -90 || loc.Lat > 90 {
		return validationErrorf("latitude %g out of range [-90, 90]", loc.Lat)
	}
	if loc.Lon < -180 || loc.Lon > 180 {
		return validationErrorf("longitude %g out of range [-180, 180]", loc.Lon)
	}
	return nil
}

func validateEventType(et EventType) error {
	if !et.valid() {
		return validationErrorf("unknown event type %q", et)
	}
	return nil
}
