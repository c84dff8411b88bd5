package query

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/rangeplan"
	"github.com/flybeeper/geoquery/internal/store"
)

// activeRange is one open (or recently-closed) range subscription backing a
// query. Ranges whose [Lo,Hi) no longer belongs to the current plan are
// marked inactive rather than torn down immediately, so a query whose radius
// wobbles by a few meters doesn't thrash subscriptions open and closed.
type activeRange struct {
	lo, hi string
	active bool
	sub    store.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func rangeKey(lo, hi string) string { return lo + "\x00" + hi }

// reconcile brings q.ranges in line with target: existing ranges no longer
// wanted are marked inactive (candidates for teardown), existing ranges still
// wanted are reactivated, and missing ranges are opened fresh. It returns the
// keys of newly-opened ranges, which still owe the caller a "ready" signal.
// Must be called with q.mu held.
func (q *Query) reconcile(ctx context.Context, target []rangeplan.Range) []string {
	wanted := make(map[string]rangeplan.Range, len(target))
	for _, r := range target {
		wanted[rangeKey(r.Lo, r.Hi)] = r
	}

	for k, ar := range q.ranges {
		if _, ok := wanted[k]; !ok {
			ar.active = false
		}
	}

	var opened []string
	for k, r := range wanted {
		if ar, ok := q.ranges[k]; ok {
			ar.active = true
			continue
		}
		q.ranges[k] = q.openRange(ctx, r.Lo, r.Hi)
		opened = append(opened, k)
	}

	q.scheduleTeardownLocked()
	return opened
}

func (q *Query) openRange(ctx context.Context, lo, hi string) *activeRange {
	subCtx, cancel := context.WithCancel(ctx)
	ar := &activeRange{lo: lo, hi: hi, active: true, cancel: cancel, done: make(chan struct{})}

	sub, err := q.store.Subscribe(subCtx, lo, hi)
	if err != nil {
		q.logger.WithError(err).WithFields(logrus.Fields{"lo": lo, "hi": hi}).Error("failed to open range subscription")
		close(ar.done)
		return ar
	}
	ar.sub = sub
	go q.pumpRange(subCtx, ar)
	return ar
}

// pumpRange is the single goroutine that reads sub's channels and folds each
// delivery into query state under q.mu, matching the spec's requirement that
// datastore events be delivered to the engine serialized on its mutex.
func (q *Query) pumpRange(ctx context.Context, ar *activeRange) {
	defer close(ar.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ar.sub.Events():
			if !ok {
				return
			}
			q.mu.Lock()
			if q.cancelled {
				q.mu.Unlock()
				return
			}
			switch ev.Type {
			case store.Added, store.Changed:
				q.onChildAddedOrChanged(ev.Key, ev.Record)
			case store.Removed:
				q.onChildRemoved(ctx, ev.Key, ev.Record.Geohash, rangeKey(ar.lo, ar.hi))
			}
			q.mu.Unlock()
		case <-ar.sub.Ready():
			q.mu.Lock()
			// Fold in backlog still queued on Events so ready never overtakes it.
			for drained := false; !drained && !q.cancelled; {
				select {
				case ev, ok := <-ar.sub.Events():
					if !ok {
						drained = true
					} else if ev.Type == store.Removed {
						q.onChildRemoved(ctx, ev.Key, ev.Record.Geohash, rangeKey(ar.lo, ar.hi))
					} else {
						q.onChildAddedOrChanged(ev.Key, ev.Record)
					}
				default:
					drained = true
				}
			}
			if !q.cancelled {
				q.onRangeReady(rangeKey(ar.lo, ar.hi))
			}
			q.mu.Unlock()
		case err, ok := <-ar.sub.Errs():
			if !ok {
				continue
			}
			q.logger.WithError(err).WithFields(logrus.Fields{"lo": ar.lo, "hi": ar.hi}).Warn("datastore subscription error")
		}
	}
}

// onRangeReady records that key's backlog finished loading, and fires
// EventReady once every outstanding range has. Must be called with q.mu held.
func (q *Query) onRangeReady(key string) {
	delete(q.outstandingReady, key)
	if len(q.outstandingReady) == 0 && !q.valueEventFired {
		q.valueEventFired = true
		q.dispatchLocked(EventReady, MembershipEvent{})
	}
}

// scheduleTeardownLocked arms a debounced sweep once the range count passes
// the threshold where carrying inactive subscriptions starts to cost more
// than the churn of closing and maybe reopening them. Must be called with
// q.mu held.
func (q *Query) scheduleTeardownLocked() {
	if len(q.ranges) <= q.cfg.TeardownThreshold || q.teardownTimer != nil || q.cancelled {
		return
	}
	q.teardownTimer = time.AfterFunc(q.cfg.TeardownDebounce, func() {
		q.mu.Lock()
		q.teardownTimer = nil
		if !q.cancelled {
			q.teardown()
		}
		q.mu.Unlock()
	})
}

// teardown closes every inactive range's subscription and garbage-collects
// membership entries no longer covered by any active range. Must be called
// with q.mu held.
func (q *Query) teardown() {
	for k, ar := range q.ranges {
		if ar.active {
			continue
		}
		ar.cancel()
		if ar.sub != nil {
			ar.sub.Close()
		}
		delete(q.ranges, k)
	}
	q.gcTrackedLocked()
}

// gcTrackedLocked drops tracked-location entries whose geohash no longer
// falls in any active range. A surviving entry still marked isInQuery is an
// internal-state violation: the engine should have already fired key_exited
// for it (via onChildRemoved) before its range was ever torn down.
func (q *Query) gcTrackedLocked() {
	for key, tl := range q.tracked {
		if q.geohashCoveredLocked(tl.geohash) {
			continue
		}
		if tl.isInQuery {
			err := &InternalStateError{Msg: fmt.Sprintf(
				"tracked key %q is still marked inside the query but its covering range was torn down", key)}
			q.logger.WithFields(logrus.Fields{"key": key, "geohash": tl.geohash}).Fatal(err.Error())
		}
		delete(q.tracked, key)
	}
}

func (q *Query) geohashCoveredLocked(geohash string) bool {
	for _, ar := range q.ranges {
		if ar.lo <= geohash && geohash < ar.hi {
			return true
		}
	}
	return false
}

// geohashCoveredByOtherRangeLocked reports whether geohash falls within some
// active range of this query other than excludeKey. excludeKey is the range
// that just delivered a Removed event for this geohash; a geohash trivially
// sorts within the bounds of the range that removed it, so it must be
// excluded or this check would always be true. Must be called with q.mu
// held.
func (q *Query) geohashCoveredByOtherRangeLocked(geohash, excludeKey string) bool {
	for k, ar := range q.ranges {
		if k == excludeKey {
			continue
		}
		if ar.lo <= geohash && geohash < ar.hi {
			return true
		}
	}
	return false
}
