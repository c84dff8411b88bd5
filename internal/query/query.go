// Package query implements the live geospatial query engine: given a
// datastore satisfying store.Store, it maintains the set of keys currently
// within a center+radius circle and notifies listeners as keys enter, move
// within, or exit that circle, without the caller ever polling.
//
// Concurrency mirrors the teacher's internal/handler/broadcast.go run loop:
// a query serializes all of its own state behind one mutex, with exactly one
// goroutine per open range subscription delivering datastore events onto
// that mutex. Listener callbacks are always invoked with the mutex released,
// so a callback is free to call Cancel, On, or UpdateCriteria on its own
// query — including on itself — without deadlocking.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/flybeeper/geoquery/internal/geomath"
	"github.com/flybeeper/geoquery/internal/rangeplan"
	"github.com/flybeeper/geoquery/internal/store"
)

// Config tunes the engine's background bookkeeping. DefaultConfig mirrors
// the values the spec gives as reasonable defaults.
type Config struct {
	// Precision is the number of geohash characters the datastore indexes
	// records at; it bounds how fine a range the planner can express.
	Precision int
	// TeardownThreshold is the number of active+inactive ranges a query must
	// be carrying before an inactive one becomes a teardown candidate.
	TeardownThreshold int
	// TeardownDebounce is how long an inactive range waits, coalescing
	// further criteria churn, before it is actually closed.
	TeardownDebounce time.Duration
	// SweepInterval is the period of the periodic teardown sweep that runs
	// regardless of TeardownThreshold, as a backstop against leaks.
	SweepInterval time.Duration
	// RemovalLookupRate and RemovalLookupBurst throttle the one suspension
	// point in the engine: the point read onChildRemoved performs to tell a
	// moved key from a deleted one.
	RemovalLookupRate  float64
	RemovalLookupBurst int
}

// DefaultConfig returns the engine's out-of-the-box tuning.
func DefaultConfig() Config {
	return Config{
		Precision:          9,
		TeardownThreshold:  25,
		TeardownDebounce:   10 * time.Millisecond,
		SweepInterval:      10 * time.Second,
		RemovalLookupRate:  50,
		RemovalLookupBurst: 50,
	}
}

// Query is one live center+radius subscription over a store.Store.
type Query struct {
	store   store.Store
	cfg     Config
	logger  *logrus.Entry
	limiter *rate.Limiter

	mu        sync.Mutex
	center    geomath.Location
	radiusKm  float64
	cancelled bool

	tracked          map[string]*trackedLocation
	ranges           map[string]*activeRange
	outstandingReady map[string]struct{}
	valueEventFired  bool

	listeners map[EventType][]*listener
	nextID    uint64

	teardownTimer *time.Timer
	sweepStop     chan struct{}
	sweepDone     chan struct{}
}

// New constructs a query over store for the given criteria, which must carry
// both Center and RadiusKm and must not carry any Extra fields. The returned
// query begins loading immediately in the background; listen for EventReady
// to know when its initial membership snapshot is complete.
func New(ctx context.Context, st store.Store, criteria Criteria, cfg Config, logger *logrus.Entry) (*Query, error) {
	if criteria.Center == nil || criteria.RadiusKm == nil {
		return nil, validationErrorf("criteria must include both center and radius")
	}
	if err := criteria.validate(true); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	q := &Query{
		store:            st,
		cfg:              cfg,
		logger:           logger.WithField("component", "query"),
		limiter:          rate.NewLimiter(rate.Limit(cfg.RemovalLookupRate), cfg.RemovalLookupBurst),
		center:           *criteria.Center,
		radiusKm:         *criteria.RadiusKm,
		tracked:          make(map[string]*trackedLocation),
		ranges:           make(map[string]*activeRange),
		outstandingReady: make(map[string]struct{}),
		listeners:        make(map[EventType][]*listener),
		sweepStop:        make(chan struct{}),
		sweepDone:        make(chan struct{}),
	}

	q.mu.Lock()
	opened := q.reconcile(ctx, rangeplan.Plan(q.center, q.radiusKm*1000, cfg.Precision))
	for _, k := range opened {
		q.outstandingReady[k] = struct{}{}
	}
	if len(q.outstandingReady) == 0 {
		q.valueEventFired = true
	}
	q.mu.Unlock()

	go q.sweepLoop(ctx)

	return q, nil
}

func (q *Query) sweepLoop(ctx context.Context) {
	defer close(q.sweepDone)
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.sweepStop:
			return
		case <-ticker.C:
			q.mu.Lock()
			if !q.cancelled {
				q.teardown()
			}
			q.mu.Unlock()
		}
	}
}

// Center returns the query's current center.
func (q *Query) Center() geomath.Location {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.center
}

// Radius returns the query's current radius, in kilometers.
func (q *Query) Radius() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.radiusKm
}

// UpdateCriteria changes the query's center and/or radius in place. Either
// field may be left nil to keep its current value. Every currently-tracked
// key is re-evaluated against the new circle, firing key_entered/key_exited
// as needed (never key_moved, since no location changed), and EventReady fires
// again once the (possibly new) set
// of active ranges has finished loading. A no-op on an already-cancelled
// query.
func (q *Query) UpdateCriteria(ctx context.Context, c Criteria) error {
	if err := c.validate(false); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled {
		return nil
	}

	if c.Center != nil {
		q.center = *c.Center
	}
	if c.RadiusKm != nil {
		q.radiusKm = *c.RadiusKm
	}

	for key, tl := range q.tracked {
		dist := geomath.DistanceKm(tl.location, q.center)
		inside := dist <= q.radiusKm
		wasInside := tl.isInQuery
		tl.distanceKm = dist
		tl.isInQuery = inside
		loc := tl.location
		switch {
		case inside && !wasInside:
			q.dispatchLocked(EventEntered, MembershipEvent{Key: key, Location: &loc, DistanceKm: &dist})
		case !inside && wasInside:
			q.dispatchLocked(EventExited, MembershipEvent{Key: key, Location: &loc, DistanceKm: &dist})
		}
		if q.cancelled {
			return nil
		}
	}

	q.valueEventFired = false
	opened := q.reconcile(ctx, rangeplan.Plan(q.center, q.radiusKm*1000, q.cfg.Precision))
	for _, k := range opened {
		q.outstandingReady[k] = struct{}{}
	}
	if len(q.outstandingReady) == 0 {
		q.valueEventFired = true
		q.dispatchLocked(EventReady, MembershipEvent{})
	}
	return nil
}

// On registers cb for eventType and returns a Registration that cancels it.
// cb fires on whatever goroutine is driving the query at the time (a range's
// pump goroutine, or the caller's own goroutine for On's replay when the
// query is already loaded); it never fires concurrently with another
// callback on the same query.
//
// Registering EventReady on an already-loaded query replays that readiness
// immediately. Registering EventEntered replays one synthetic key_entered
// for every key currently inside the query's radius, so a listener attached
// after the fact (e.g. a websocket client opening a stream on a query that's
// already running) learns the current membership instead of only future
// transitions. The callback may cancel the query mid-replay; no further
// replayed events are then delivered to it.
func (q *Query) On(eventType EventType, cb Callback) (*Registration, error) {
	if err := validateEventType(eventType); err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, validationErrorf("callback must not be nil")
	}

	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return &Registration{}, nil
	}

	q.nextID++
	l := &listener{id: q.nextID, cb: cb}
	q.listeners[eventType] = append(q.listeners[eventType], l)

	replayReady := eventType == EventReady && q.valueEventFired

	var replayEntered []MembershipEvent
	if eventType == EventEntered {
		for key, tl := range q.tracked {
			if !tl.isInQuery {
				continue
			}
			loc, dist := tl.location, tl.distanceKm
			replayEntered = append(replayEntered, MembershipEvent{Key: key, Location: &loc, DistanceKm: &dist})
		}
	}
	q.mu.Unlock()

	if replayReady {
		invokeRecovered(q.logger, cb, MembershipEvent{})
	}
	for _, ev := range replayEntered {
		if !q.listenerRegistered(eventType, l.id) {
			break
		}
		invokeRecovered(q.logger, cb, ev)
	}

	reg := &Registration{}
	reg.cancel = func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		ls := q.listeners[eventType]
		for i, existing := range ls {
			if existing.id == l.id {
				q.listeners[eventType] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
	}
	return reg, nil
}

// listenerRegistered reports whether the listener identified by id is still
// registered for eventType, used to stop an in-progress replay as soon as
// the whole query is cancelled (which drops every listener).
func (q *Query) listenerRegistered(eventType EventType, id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.listeners[eventType] {
		if l.id == id {
			return true
		}
	}
	return false
}

// Cancel detaches every range subscription and listener. Idempotent; safe to
// call from inside a listener callback.
func (q *Query) Cancel() {
	q.mu.Lock()
	if q.cancelled {
		q.mu.Unlock()
		return
	}
	q.cancelled = true
	for _, ar := range q.ranges {
		ar.cancel()
		if ar.sub != nil {
			ar.sub.Close()
		}
	}
	q.ranges = make(map[string]*activeRange)
	q.tracked = make(map[string]*trackedLocation)
	q.listeners = make(map[EventType][]*listener)
	if q.teardownTimer != nil {
		q.teardownTimer.Stop()
	}
	q.mu.Unlock()

	close(q.sweepStop)
}

// dispatchLocked invokes every listener registered for et, in registration
// order, passing ev. The mutex is released for the duration of each
// invocation and re-acquired before returning, so listener code can safely
// re-enter the query. A panicking callback aborts the remainder of this
// dispatch (the event is otherwise delivered); the query is unaffected for
// future events. Must be called with q.mu held; returns with q.mu held.
func (q *Query) dispatchLocked(et EventType, ev MembershipEvent) {
	ls := q.listeners[et]
	snapshot := make([]*listener, len(ls))
	copy(snapshot, ls)

	for _, l := range snapshot {
		if q.cancelled {
			return
		}
		q.mu.Unlock()
		panicked := invokeRecovered(q.logger, l.cb, ev)
		q.mu.Lock()
		if panicked {
			return
		}
	}
}

func invokeRecovered(logger *logrus.Entry, cb Callback, ev MembershipEvent) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("query: listener callback panicked; remaining listeners for this event are skipped")
			panicked = true
		}
	}()
	cb(ev)
	return false
}
