package query

import (
	"encoding/json"
	"sync"

	"github.com/flybeeper/geoquery/internal/geomath"
)

// EventType is the kind of callback a listener registers for.
type EventType string

const (
	// EventReady fires once, after the query's initial dataset has loaded
	// (every active range has delivered its backlog). It fires again after
	// UpdateCriteria, once the new dataset has loaded.
	EventReady EventType = "ready"
	// EventEntered fires when a key comes within the query's radius, either
	// for the first time or after having left.
	EventEntered EventType = "key_entered"
	// EventExited fires when a previously-inside key leaves the radius or is
	// deleted from the datastore entirely.
	EventExited EventType = "key_exited"
	// EventMoved fires when a key that is (and remains) inside the radius
	// changes location.
	EventMoved EventType = "key_moved"
)

func (et EventType) valid() bool {
	switch et {
	case EventReady, EventEntered, EventExited, EventMoved:
		return true
	default:
		return false
	}
}

// MembershipEvent is passed to a listener's callback. For EventReady it is
// the zero value: Key is empty, Location and DistanceKm are nil.
type MembershipEvent struct {
	Key string
	// Location is nil for an EventExited caused by the key being deleted
	// outright, since there is then no current location to report.
	Location   *geomath.Location
	DistanceKm *float64
}

// Callback is the handler signature for every event type.
type Callback func(MembershipEvent)

// Criteria describes a query's center and radius. Center and RadiusKm are
// both required when constructing a new query; either may be omitted from a
// call to UpdateCriteria to leave that half unchanged. Extra carries any
// fields a decoder (e.g. the HTTP façade) found in the caller's input beyond
// "center" and "radius"; New rejects a non-empty Extra, UpdateCriteria
// ignores it, matching the spec's resolution that construction is strict and
// in-place updates are not.
type Criteria struct {
	Center   *geomath.Location
	RadiusKm *float64
	Extra    map[string]json.RawMessage
}

func (c Criteria) validate(strict bool) error {
	if strict && len(c.Extra) > 0 {
		return validationErrorf("criteria has unrecognized field(s)")
	}
	if c.Center != nil {
		if err := ValidateLocation(*c.Center); err != nil {
			return err
		}
	}
	if c.RadiusKm != nil && *c.RadiusKm <= 0 {
		return validationErrorf("radius must be positive")
	}
	return nil
}

// Registration is returned by On and cancels that one listener.
type Registration struct {
	mu     sync.Mutex
	cancel func()
}

// Cancel detaches the listener. Idempotent, safe to call from inside the
// listener's own callback.
func (r *Registration) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type listener struct {
	id uint64
	cb Callback
}

type trackedLocation struct {
	location   geomath.Location
	distanceKm float64
	isInQuery  bool
	geohash    string
}
