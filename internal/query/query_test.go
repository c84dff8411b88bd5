package query

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flybeeper/geoquery/internal/geohash"
	"github.com/flybeeper/geoquery/internal/geomath"
	"github.com/flybeeper/geoquery/internal/store"
	"github.com/flybeeper/geoquery/internal/store/memstore"
)

const testPrecision = 9

func rec(lat, lon float64) store.Record {
	return store.Record{
		Geohash: geohash.Encode(geohash.Location{Lat: lat, Lon: lon}, testPrecision),
		Lat:     lat,
		Lon:     lon,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Precision = testPrecision
	cfg.RemovalLookupRate = 1000
	cfg.RemovalLookupBurst = 1000
	cfg.SweepInterval = time.Hour
	return cfg
}

func ptr(f float64) *float64 { return &f }

// recorder collects MembershipEvents for one event type across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []MembershipEvent
}

func (r *recorder) handler(ev MembershipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []MembershipEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MembershipEvent, len(r.events))
	copy(out, r.events)
	return out
}

func waitForCount(t *testing.T, r *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count() >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestNewFiresReadyAfterInitialLoad(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.Set(ctx, "a", rec(0, 0)))

	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	ready := &recorder{}
	_, err = q.On(EventReady, ready.handler)
	require.NoError(t, err)
	waitForCount(t, ready, 1)
}

func TestOnReplaysReadyIfAlreadyLoaded(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	first := &recorder{}
	_, err = q.On(EventReady, first.handler)
	require.NoError(t, err)
	waitForCount(t, first, 1)

	late := &recorder{}
	_, err = q.On(EventReady, late.handler)
	require.NoError(t, err)
	require.Equal(t, 1, late.count(), "a listener registered after load should be replayed immediately, synchronously")
}

func TestOnReplaysCurrentMembershipForKeyEntered(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))
	require.NoError(t, st.Set(ctx, "pilot2", rec(0.06, 0.06)))
	require.NoError(t, st.Set(ctx, "pilot3", rec(20, 20))) // well outside the radius

	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	ready := &recorder{}
	_, err = q.On(EventReady, ready.handler)
	require.NoError(t, err)
	waitForCount(t, ready, 1)

	late := &recorder{}
	_, err = q.On(EventEntered, late.handler)
	require.NoError(t, err)

	require.Equal(t, 2, late.count(), "a key_entered listener registered after load should immediately replay current membership")
	keys := []string{late.snapshot()[0].Key, late.snapshot()[1].Key}
	require.ElementsMatch(t, []string{"pilot1", "pilot2"}, keys)

	// A listener registered right after New sees each inside key once,
	// whether as a replay (backlog already folded in) or live (not yet).
	stillEmpty := &recorder{}
	q2, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q2.Cancel()
	_, err = q2.On(EventEntered, stillEmpty.handler)
	require.NoError(t, err)
	waitForCount(t, stillEmpty, 2)
}

func TestOnKeyEnteredReplayStopsIfQueryCancelledMidReplay(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))
	require.NoError(t, st.Set(ctx, "pilot2", rec(0.06, 0.06)))

	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	ready := &recorder{}
	_, err = q.On(EventReady, ready.handler)
	require.NoError(t, err)
	waitForCount(t, ready, 1)

	received := &recorder{}
	_, err = q.On(EventEntered, func(ev MembershipEvent) {
		received.handler(ev)
		q.Cancel() // re-entrant: cancel the whole query on the very first replayed event
	})
	require.NoError(t, err)

	require.Equal(t, 1, received.count(), "a re-entrant cancel during replay must stop delivering further replayed events")
}

func TestKeyEnteredMovedExited(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	entered, moved, exited := &recorder{}, &recorder{}, &recorder{}
	_, err = q.On(EventEntered, entered.handler)
	require.NoError(t, err)
	_, err = q.On(EventMoved, moved.handler)
	require.NoError(t, err)
	_, err = q.On(EventExited, exited.handler)
	require.NoError(t, err)

	// Well within the 50km radius.
	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))
	waitForCount(t, entered, 1)
	require.Equal(t, "pilot1", entered.snapshot()[0].Key)

	// Still inside, but a different point.
	require.NoError(t, st.Set(ctx, "pilot1", rec(0.06, 0.05)))
	waitForCount(t, moved, 1)

	// Far outside the radius.
	require.NoError(t, st.Set(ctx, "pilot1", rec(10, 10)))
	waitForCount(t, exited, 1)

	require.Equal(t, 1, entered.count())
	require.Equal(t, 1, moved.count())
}

func TestKeyDeletedFiresExited(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))

	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	exited := &recorder{}
	_, err = q.On(EventExited, exited.handler)
	require.NoError(t, err)

	require.NoError(t, st.Remove(ctx, "pilot1"))
	waitForCount(t, exited, 1)
	ev := exited.snapshot()[0]
	require.Equal(t, "pilot1", ev.Key)
	require.Nil(t, ev.Location)
}

// countingGetStore wraps a store.Store and counts calls to Get, so a test
// can assert the removal-lookup point read was (or wasn't) skipped.
type countingGetStore struct {
	store.Store
	mu   sync.Mutex
	gets int
}

func (c *countingGetStore) Get(ctx context.Context, key string) (store.Record, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Store.Get(ctx, key)
}

func (c *countingGetStore) getCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

func TestOnChildRemovedSkipsPointReadWhenGeohashStillCoveredByAnotherRange(t *testing.T) {
	ctx := context.Background()
	cs := &countingGetStore{Store: memstore.New()}

	q, err := New(ctx, cs, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	const movedGeohash = "u0000"
	q.mu.Lock()
	q.ranges["sourceRange"] = &activeRange{lo: "u0000", hi: "u0001", active: true, cancel: func() {}}
	q.ranges["otherRange"] = &activeRange{lo: "u0000", hi: "u0002", active: true, cancel: func() {}}
	q.tracked["pilot1"] = &trackedLocation{
		location:   geomath.Location{Lat: 0.05, Lon: 0.05},
		distanceKm: 1,
		isInQuery:  true,
		geohash:    movedGeohash,
	}
	q.onChildRemoved(ctx, "pilot1", movedGeohash, "sourceRange")
	q.mu.Unlock()

	require.Equal(t, 0, cs.getCount(), "a removed geohash still covered by another active range must not trigger a point read")
}

func TestOnChildRemovedPerformsPointReadWhenGeohashUncovered(t *testing.T) {
	ctx := context.Background()
	cs := &countingGetStore{Store: memstore.New()}

	q, err := New(ctx, cs, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	const removedGeohash = "u0000"
	q.mu.Lock()
	q.ranges["sourceRange"] = &activeRange{lo: "u0000", hi: "u0001", active: true, cancel: func() {}}
	q.tracked["pilot1"] = &trackedLocation{
		location:   geomath.Location{Lat: 0.05, Lon: 0.05},
		distanceKm: 1,
		isInQuery:  true,
		geohash:    removedGeohash,
	}
	q.onChildRemoved(ctx, "pilot1", removedGeohash, "sourceRange")
	q.mu.Unlock()

	require.Equal(t, 1, cs.getCount(), "a removed geohash not covered by any other active range must still fall back to a point read")
}

func TestUpdateCriteriaReevaluatesMembership(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))

	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	ready := &recorder{}
	_, err = q.On(EventReady, ready.handler)
	require.NoError(t, err)
	waitForCount(t, ready, 1)

	exited := &recorder{}
	_, err = q.On(EventExited, exited.handler)
	require.NoError(t, err)

	// Shrinking the radius to well under pilot1's ~7.8km distance drops it.
	require.NoError(t, q.UpdateCriteria(ctx, Criteria{RadiusKm: ptr(1)}))
	waitForCount(t, exited, 1)
	waitForCount(t, ready, 2)
}

func TestCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)

	entered := &recorder{}
	_, err = q.On(EventEntered, entered.handler)
	require.NoError(t, err)

	q.Cancel()
	q.Cancel() // idempotent

	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, entered.count())
}

func TestRegistrationCancelStopsJustThatListener(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(50)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	entered := &recorder{}
	reg, err := q.On(EventEntered, entered.handler)
	require.NoError(t, err)
	reg.Cancel()

	require.NoError(t, st.Set(ctx, "pilot1", rec(0.05, 0.05)))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, entered.count())
}

func TestNewValidation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	cfg := testConfig()

	_, err := New(ctx, st, Criteria{RadiusKm: ptr(1)}, cfg, nil)
	require.ErrorAs(t, err, new(*ValidationError))

	_, err = New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}}, cfg, nil)
	require.ErrorAs(t, err, new(*ValidationError))

	_, err = New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(-1)}, cfg, nil)
	require.ErrorAs(t, err, new(*ValidationError))

	_, err = New(ctx, st, Criteria{
		Center:   &geomath.Location{Lat: 0, Lon: 0},
		RadiusKm: ptr(1),
		Extra:    map[string]json.RawMessage{"unexpected": json.RawMessage(`true`)},
	}, cfg, nil)
	require.ErrorAs(t, err, new(*ValidationError))
}

func TestUpdateCriteriaIgnoresExtraFields(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(1)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	err = q.UpdateCriteria(ctx, Criteria{
		RadiusKm: ptr(2),
		Extra:    map[string]json.RawMessage{"unexpected": json.RawMessage(`true`)},
	})
	require.NoError(t, err)
	require.Equal(t, 2.0, q.Radius())
}

func TestOnValidation(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q, err := New(ctx, st, Criteria{Center: &geomath.Location{Lat: 0, Lon: 0}, RadiusKm: ptr(1)}, testConfig(), nil)
	require.NoError(t, err)
	defer q.Cancel()

	_, err = q.On("not_a_real_event", func(MembershipEvent) {})
	require.ErrorAs(t, err, new(*ValidationError))

	_, err = q.On(EventEntered, nil)
	require.ErrorAs(t, err, new(*ValidationError))
}
