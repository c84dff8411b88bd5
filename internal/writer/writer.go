// Package writer is the point-location write façade in front of a
// store.Store: the one place a location actually gets validated before it
// reaches the datastore that every live query ultimately watches, grounded on
// the teacher's internal/repository/redis.go SavePilot validation gate
// (reject non-finite / out-of-range coordinates before writing).
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/geohash"
	"github.com/flybeeper/geoquery/internal/geomath"
	"github.com/flybeeper/geoquery/internal/metrics"
	"github.com/flybeeper/geoquery/internal/query"
	"github.com/flybeeper/geoquery/internal/store"
)

// Writer validates and forwards point-location writes to a store.Store.
type Writer struct {
	store     store.Store
	precision int
	logger    *logrus.Entry
}

// New returns a Writer that encodes locations at the given geohash
// precision, which must match the precision every query.Query in the system
// is configured with — a write encoded at a different precision silently
// falls outside (or inside, as a false positive) range subscriptions planned
// at the other precision.
func New(st store.Store, precision int, logger *logrus.Entry) *Writer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{store: st, precision: precision, logger: logger.WithField("component", "writer")}
}

// Set validates key and loc, then writes the record. Returns a
// *query.ValidationError (reusing the engine's own error type, since the
// acceptance rule is identical) if either is invalid.
func (w *Writer) Set(ctx context.Context, key string, loc geomath.Location) error {
	if err := query.ValidateKey(key); err != nil {
		return err
	}
	if err := query.ValidateLocation(loc); err != nil {
		return err
	}

	rec := store.Record{
		Geohash: geohash.Encode(geohash.Location{Lat: loc.Lat, Lon: loc.Lon}, w.precision),
		Lat:     loc.Lat,
		Lon:     loc.Lon,
	}

	start := time.Now()
	err := w.store.Set(ctx, key, rec)
	metrics.StoreOperationDuration.WithLabelValues("set").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("writer: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key's record, if any.
func (w *Writer) Remove(ctx context.Context, key string) error {
	if err := query.ValidateKey(key); err != nil {
		return err
	}

	start := time.Now()
	err := w.store.Remove(ctx, key)
	metrics.StoreOperationDuration.WithLabelValues("remove").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOperationErrors.WithLabelValues("remove").Inc()
		return fmt.Errorf("writer: remove %s: %w", key, err)
	}
	return nil
}

// Get performs a one-shot read of key's current location.
func (w *Writer) Get(ctx context.Context, key string) (geomath.Location, error) {
	rec, err := w.store.Get(ctx, key)
	if err != nil {
		return geomath.Location{}, err
	}
	return geomath.Location{Lat: rec.Lat, Lon: rec.Lon}, nil
}
