// Package memstore is an in-memory store.Store used by the query engine's
// tests. It implements the same ordered-range-subscription contract a real
// backend (internal/store/redis) would, letting query tests exercise the
// full add/change/remove/ready protocol deterministically and without a
// running Redis, mirroring how the teacher's own test suites skip straight
// to a real backend only when one is reachable (internal/repository/redis_test.go)
// — here the "real backend" for fast unit tests is this in-process fake.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/flybeeper/geoquery/internal/store"
)

// Store is a single in-memory table of records plus a set of live range
// subscriptions, each of which is notified synchronously as records change.
type Store struct {
	mu      sync.Mutex
	records map[string]store.Record
	subs    map[*subscription]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]store.Record),
		subs:    make(map[*subscription]struct{}),
	}
}

type subscription struct {
	lo, hi string
	events chan store.Event
	ready  chan struct{}
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *subscription) Events() <-chan store.Event { return s.events }
func (s *subscription) Ready() <-chan struct{}      { return s.ready }
func (s *subscription) Errs() <-chan error          { return s.errs }

func (s *subscription) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *subscription) inRange(geohash string) bool {
	return geohash >= s.lo && geohash < s.hi
}

// deliver is best-effort: tests drive the store synchronously, so the
// channel is generously buffered and a full channel (a test that stopped
// reading) simply drops further delivery rather than blocking the writer.
func (s *subscription) deliver(ev store.Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	default:
	}
}

// Subscribe opens a range subscription over [lo,hi) using the store's
// current contents as the backlog (mirroring internal/store.Subscription's
// half-open [Lo,Hi) convention, where Hi already carries the planner's "~"
// sentinel).
func (st *Store) Subscribe(_ context.Context, lo, hi string) (store.Subscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sub := &subscription{
		lo:     lo,
		hi:     hi,
		events: make(chan store.Event, 4096),
		ready:  make(chan struct{}, 1),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	keys := make([]string, 0, len(st.records))
	for k := range st.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return st.records[keys[i]].Geohash < st.records[keys[j]].Geohash })

	for _, k := range keys {
		rec := st.records[k]
		if sub.inRange(rec.Geohash) {
			sub.deliver(store.Event{Type: store.Added, Key: k, Record: rec})
		}
	}

	st.subs[sub] = struct{}{}
	sub.ready <- struct{}{}

	return &closingSubscription{subscription: sub, parent: st}, nil
}

type closingSubscription struct {
	*subscription
	parent *Store
}

func (c *closingSubscription) Close() {
	c.subscription.Close()
	c.parent.mu.Lock()
	delete(c.parent.subs, c.subscription)
	c.parent.mu.Unlock()
}

// Get performs a one-shot read.
func (st *Store) Get(_ context.Context, key string) (store.Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec, ok := st.records[key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// Set writes key's record and notifies every subscription whose range covers
// the new and/or old geohash.
func (st *Store) Set(_ context.Context, key string, rec store.Record) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	old, existed := st.records[key]
	st.records[key] = rec

	for sub := range st.subs {
		newIn := sub.inRange(rec.Geohash)
		oldIn := existed && sub.inRange(old.Geohash)
		switch {
		case newIn && oldIn:
			sub.deliver(store.Event{Type: store.Changed, Key: key, Record: rec})
		case newIn && !oldIn:
			sub.deliver(store.Event{Type: store.Added, Key: key, Record: rec})
		case !newIn && oldIn:
			sub.deliver(store.Event{Type: store.Removed, Key: key, Record: old})
		}
	}
	return nil
}

// Remove deletes key's record and notifies every subscription whose range
// covered it.
func (st *Store) Remove(_ context.Context, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	old, existed := st.records[key]
	if !existed {
		return nil
	}
	delete(st.records, key)

	for sub := range st.subs {
		if sub.inRange(old.Geohash) {
			sub.deliver(store.Event{Type: store.Removed, Key: key, Record: old})
		}
	}
	return nil
}
