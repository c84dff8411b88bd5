package query

import (
	"context"

	"github.com/flybeeper/geoquery/internal/geomath"
	"github.com/flybeeper/geoquery/internal/store"
)

// onChildAddedOrChanged folds one Added/Changed datastore event into the
// membership table. Must be called with q.mu held.
func (q *Query) onChildAddedOrChanged(key string, rec store.Record) {
	if err := ValidateKey(key); err != nil {
		q.logger.WithError(err).WithField("key", key).Warn("dropping record with an invalid key")
		return
	}
	loc := geomath.Location{Lat: rec.Lat, Lon: rec.Lon}
	if err := ValidateLocation(loc); err != nil {
		q.logger.WithError(err).WithField("key", key).Warn("dropping record with an invalid location")
		return
	}
	q.applyRecord(key, rec.Geohash, loc)
}

// applyRecord folds a known-valid, current record for key into the
// membership table, firing key_entered/key_moved/key_exited as its in-or-out
// status relative to the *current* tracked state changes. It is the single
// path both a direct datastore event and a post-removal point read flow
// through, so whichever one a race delivers first establishes the correct
// state and the other is a no-op. Must be called with q.mu held.
func (q *Query) applyRecord(key, geohash string, loc geomath.Location) {
	dist := geomath.DistanceKm(loc, q.center)
	inside := dist <= q.radiusKm

	prior, existed := q.tracked[key]
	wasInside := existed && prior.isInQuery
	movedWithinQuery := existed && wasInside && inside && prior.location != loc

	q.tracked[key] = &trackedLocation{location: loc, distanceKm: dist, isInQuery: inside, geohash: geohash}

	switch {
	case inside && !wasInside:
		q.dispatchLocked(EventEntered, MembershipEvent{Key: key, Location: &loc, DistanceKm: &dist})
	case movedWithinQuery:
		q.dispatchLocked(EventMoved, MembershipEvent{Key: key, Location: &loc, DistanceKm: &dist})
	case !inside && wasInside:
		q.dispatchLocked(EventExited, MembershipEvent{Key: key, Location: &loc, DistanceKm: &dist})
	}
}

// onChildRemoved handles a Removed datastore event for key: the event only
// means the key's geohash no longer falls in the range that delivered it,
// not that the key is gone, so a point read is needed to tell a move from a
// deletion. If removedGeohash still falls within some other active range of
// this query, that range's own Added/Changed delivery will reconcile the
// key's state (applyRecord is idempotent regardless of delivery order), so
// the point read is skipped entirely. Otherwise this is the engine's one
// suspension point, rate-limited since removals can arrive in a burst; it
// releases q.mu for the duration of the read. Must be called with q.mu
// held; returns with q.mu held.
func (q *Query) onChildRemoved(ctx context.Context, key, removedGeohash, sourceRangeKey string) {
	if removedGeohash != "" && q.geohashCoveredByOtherRangeLocked(removedGeohash, sourceRangeKey) {
		return
	}

	q.mu.Unlock()
	waitErr := q.limiter.Wait(ctx)
	var rec store.Record
	var getErr error
	if waitErr == nil {
		rec, getErr = q.store.Get(ctx, key)
	}
	q.mu.Lock()

	if q.cancelled {
		return
	}
	if waitErr != nil {
		q.logger.WithError(waitErr).WithField("key", key).Warn("removal lookup throttle wait failed")
		return
	}
	if getErr == store.ErrNotFound {
		q.forgetKey(key)
		return
	}
	if getErr != nil {
		q.logger.WithError(getErr).WithField("key", key).Warn("point lookup after removal failed")
		return
	}

	loc := geomath.Location{Lat: rec.Lat, Lon: rec.Lon}
	if err := ValidateLocation(loc); err != nil {
		q.forgetKey(key)
		return
	}
	q.applyRecord(key, rec.Geohash, loc)
}

// forgetKey drops key from the membership table outright because it no
// longer exists in the datastore, firing key_exited if it was inside. Must
// be called with q.mu held.
func (q *Query) forgetKey(key string) {
	prior, existed := q.tracked[key]
	delete(q.tracked, key)
	if !existed || !prior.isInQuery {
		return
	}
	q.dispatchLocked(EventExited, MembershipEvent{Key: key})
}
