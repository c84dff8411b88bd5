// Package redis implements store.Store on top of Redis, generalizing the
// teacher's internal/repository/redis.go pipeline/GeoAdd/ZRange idiom from a
// one-shot GEO radius query to a live lexicographic range subscription: a
// sorted set indexes every record by geohash so ZRANGEBYLEX can answer a
// prefix range directly, and a Pub/Sub channel fans out every write so open
// subscriptions can stay live instead of re-polling.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/store"
)

const (
	// indexKey is the sorted set of "<geohash>\x00<key>" members, all at
	// score 0, used purely for its lexicographic ZRANGEBYLEX ordering.
	indexKey = "geo:idx"
	// recordKeyPrefix stores each key's {g,l} payload as a JSON string.
	recordKeyPrefix = "geo:rec:"
	// changesChannel carries a JSON-encoded changeNotice for every Set/Remove.
	changesChannel = "geo:changes"
)

type changeNotice struct {
	Op  string  `json:"op"` // "add", "change", or "remove"
	Key string  `json:"key"`
	G   string  `json:"g"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Store is a Redis-backed store.Store.
type Store struct {
	client *redis.Client
	logger *logrus.Entry
}

// New wraps an existing Redis client. The caller owns the client's lifecycle
// (Ping/Close), matching how internal/repository/redis.go takes ownership of
// its own *redis.Client rather than the other way around.
func New(client *redis.Client, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{client: client, logger: logger.WithField("component", "store.redis")}
}

func recordKey(key string) string {
	return recordKeyPrefix + key
}

func indexMember(geohash, key string) string {
	return geohash + "\x00" + key
}

// Get performs a one-shot read of key.
func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	raw, err := s.client.Get(ctx, recordKey(key)).Result()
	if err == redis.Nil {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("redis store: get %s: %w", key, err)
	}
	var rec store.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return store.Record{}, fmt.Errorf("redis store: decode %s: %w", key, err)
	}
	return rec, nil
}

// Set atomically writes key's record: the index member moves (if the
// geohash changed) and the JSON payload is replaced, in one pipeline, then a
// change notice is published so open subscriptions see it without polling.
func (s *Store) Set(ctx context.Context, key string, rec store.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis store: encode %s: %w", key, err)
	}

	old, err := s.Get(ctx, key)
	hadOld := err == nil
	if !hadOld && err != store.ErrNotFound {
		return err
	}
	moved := hadOld && old.Geohash != rec.Geohash

	pipe := s.client.TxPipeline()
	if moved {
		pipe.ZRem(ctx, indexKey, indexMember(old.Geohash, key))
	}
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: 0, Member: indexMember(rec.Geohash, key)})
	pipe.Set(ctx, recordKey(key), payload, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: set %s: %w", key, err)
	}

	if moved {
		// A range watching the old geohash needs a removal; a range
		// watching the new one needs an addition. A single notice cannot
		// carry both, so two are published, old first.
		if err := s.publish(ctx, changeNotice{Op: "remove", Key: key, G: old.Geohash, Lat: old.Lat, Lon: old.Lon}); err != nil {
			return err
		}
		return s.publish(ctx, changeNotice{Op: "add", Key: key, G: rec.Geohash, Lat: rec.Lat, Lon: rec.Lon})
	}

	op := "add"
	if hadOld {
		op = "change"
	}
	return s.publish(ctx, changeNotice{Op: op, Key: key, G: rec.Geohash, Lat: rec.Lat, Lon: rec.Lon})
}

// Remove atomically deletes key's record and publishes a removal notice
// carrying the geohash it was last seen at, so a subscriber whose range
// still covers that geohash can decide for itself whether the removal is
// relevant without a second round trip.
func (s *Store) Remove(ctx context.Context, key string) error {
	old, err := s.Get(ctx, key)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, indexKey, indexMember(old.Geohash, key))
	pipe.Del(ctx, recordKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: remove %s: %w", key, err)
	}

	return s.publish(ctx, changeNotice{Op: "remove", Key: key, G: old.Geohash, Lat: old.Lat, Lon: old.Lon})
}

func (s *Store) publish(ctx context.Context, n changeNotice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("redis store: encode change notice: %w", err)
	}
	if err := s.client.Publish(ctx, changesChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis store: publish change notice: %w", err)
	}
	return nil
}

// Subscribe opens a live view of every record whose geohash g satisfies
// lo <= g < hi.
func (s *Store) Subscribe(ctx context.Context, lo, hi string) (store.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		lo:     lo,
		hi:     hi,
		events: make(chan store.Event, 1024),
		ready:  make(chan struct{}, 1),
		errs:   make(chan error, 1),
		cancel: cancel,
	}

	pubsub := s.client.Subscribe(ctx, changesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("redis store: subscribe: %w", err)
	}
	sub.pubsub = pubsub

	members, err := s.client.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{
		Min: "[" + lo,
		Max: "(" + hi,
	}).Result()
	if err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("redis store: initial scan: %w", err)
	}

	go sub.run(ctx, s, members)

	return sub, nil
}

type subscription struct {
	lo, hi string
	events chan store.Event
	ready  chan struct{}
	errs   chan error
	pubsub *redis.PubSub
	cancel context.CancelFunc

	closeOnce sync.Once
}

func (sub *subscription) Events() <-chan store.Event { return sub.events }
func (sub *subscription) Ready() <-chan struct{}     { return sub.ready }
func (sub *subscription) Errs() <-chan error         { return sub.errs }

func (sub *subscription) Close() {
	sub.closeOnce.Do(func() {
		sub.cancel()
		sub.pubsub.Close()
	})
}

func (sub *subscription) inRange(geohash string) bool {
	return geohash >= sub.lo && geohash < sub.hi
}

func (sub *subscription) run(ctx context.Context, s *Store, backlogMembers []string) {
	for _, member := range backlogMembers {
		key, geohash := splitIndexMember(member)
		rec, err := s.Get(ctx, key)
		if err != nil {
			if err != store.ErrNotFound {
				sub.tryErr(err)
			}
			continue
		}
		if rec.Geohash != geohash {
			// Raced with a concurrent move; the record's current geohash is
			// authoritative, and it will be (or already was) reported by
			// whichever range it now belongs to.
			continue
		}
		sub.trySend(store.Event{Type: store.Added, Key: key, Record: rec})
	}

	select {
	case sub.ready <- struct{}{}:
	default:
	}

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			sub.handleMessage(msg)
		}
	}
}

func (sub *subscription) handleMessage(msg *redis.Message) {
	var n changeNotice
	if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
		sub.tryErr(fmt.Errorf("redis store: decode change notice: %w", err))
		return
	}

	rec := store.Record{Geohash: n.G, Lat: n.Lat, Lon: n.Lon}
	switch n.Op {
	case "add":
		if sub.inRange(n.G) {
			sub.trySend(store.Event{Type: store.Added, Key: n.Key, Record: rec})
		}
	case "change":
		if sub.inRange(n.G) {
			sub.trySend(store.Event{Type: store.Changed, Key: n.Key, Record: rec})
		}
	case "remove":
		if sub.inRange(n.G) {
			sub.trySend(store.Event{Type: store.Removed, Key: n.Key, Record: rec})
		}
	}
}

func (sub *subscription) trySend(ev store.Event) {
	select {
	case sub.events <- ev:
	default:
		sub.tryErr(fmt.Errorf("redis store: event buffer full, dropped %v for %s", ev.Type, ev.Key))
	}
}

func (sub *subscription) tryErr(err error) {
	select {
	case sub.errs <- err:
	default:
	}
}

func splitIndexMember(member string) (key, geohash string) {
	for i := 0; i < len(member); i++ {
		if member[i] == 0 {
			return member[i+1:], member[:i]
		}
	}
	return "", member
}
