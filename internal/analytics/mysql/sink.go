// Package mysql is the optional offline-analytics sink: a batch writer that
// tallies membership-event history into MySQL, grounded on the teacher's
// internal/service/batch_writer.go buffered-channel/timer-or-size-triggered-
// flush discipline, generalized from three parallel pilot/thermal/station
// channels down to the one event record this domain has.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/flybeeper/geoquery/internal/config"
	"github.com/flybeeper/geoquery/internal/metrics"
)

// Event is one membership-event record destined for the analytics table.
type Event struct {
	QueryID    string
	Key        string
	EventType  string
	DistanceKm float64
	At         time.Time
}

// Config configures the sink's batching behaviour.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	ChannelBuffer int
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultConfig mirrors the teacher's DefaultBatchConfig, scaled down for a
// single-event-type sink rather than three.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		ChannelBuffer: 5000,
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// Sink buffers Events and flushes them to MySQL in batches. The zero value is
// not usable; construct with Open.
type Sink struct {
	db     *sql.DB
	cfg    Config
	logger *logrus.Entry

	// insert performs one batch insert. Open wires this to insertBatch
	// (real MySQL); tests substitute a fake to exercise the
	// buffer/flush/retry logic without a live database.
	insert func(ctx context.Context, batch []Event) error

	events chan Event
	buffer []Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open dials MySQL using mcfg.DSN and starts the background flush worker.
// Callers should check config.FeaturesConfig.EnableMySQLAnalytics before
// calling Open; the sink itself has no opinion on whether it's enabled.
func Open(mcfg config.MySQLConfig, cfg Config, logger *logrus.Entry) (*Sink, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := sql.Open("mysql", mcfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("analytics/mysql: open: %w", err)
	}
	db.SetMaxIdleConns(mcfg.MaxIdleConns)
	db.SetMaxOpenConns(mcfg.MaxOpenConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics/mysql: ping: %w", err)
	}
	metrics.MySQLConnectionStatus.Set(1)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		db:     db,
		cfg:    cfg,
		logger: logger.WithField("component", "analytics.mysql"),
		events: make(chan Event, cfg.ChannelBuffer),
		buffer: make([]Event, 0, cfg.BatchSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.insert = s.insertBatch

	s.wg.Add(1)
	go s.run()

	s.logger.WithFields(logrus.Fields{
		"batch_size":     cfg.BatchSize,
		"flush_interval": cfg.FlushInterval,
	}).Info("started MySQL analytics sink")

	return s, nil
}

// Record enqueues ev for the next flush. Under sustained overload it drops
// the event and logs a warning rather than blocking the event-dispatch path
// that called it, matching the teacher's queue-full degradation.
func (s *Sink) Record(ev Event) {
	select {
	case s.events <- ev:
		metrics.MySQLQueueSize.Set(float64(len(s.events)))
	case <-s.ctx.Done():
	default:
		s.logger.WithFields(logrus.Fields{"query_id": ev.QueryID, "key": ev.Key}).
			Warn("analytics queue full, dropping membership event")
		metrics.MySQLWriteErrors.Inc()
	}
}

// Close stops the flush worker, flushing any buffered events first, and
// closes the underlying database connection.
func (s *Sink) Close() error {
	s.cancel()
	s.wg.Wait()
	metrics.MySQLConnectionStatus.Set(0)
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			s.buffer = append(s.buffer, ev)
			if len(s.buffer) >= s.cfg.BatchSize {
				s.flush()
			}

		case <-ticker.C:
			if len(s.buffer) > 0 {
				s.flush()
			}

		case <-s.ctx.Done():
			s.drain()
			if len(s.buffer) > 0 {
				s.flush()
			}
			return
		}
	}
}

// drain empties any events still sitting in the channel after cancellation,
// so a final flush captures everything queued before shutdown.
func (s *Sink) drain() {
	for {
		select {
		case ev := <-s.events:
			s.buffer = append(s.buffer, ev)
		default:
			return
		}
	}
}

func (s *Sink) flush() {
	if len(s.buffer) == 0 {
		return
	}

	batch := make([]Event, len(s.buffer))
	copy(batch, s.buffer)
	s.buffer = s.buffer[:0]

	metrics.MySQLBatchSize.Observe(float64(len(batch)))

	start := time.Now()
	err := s.retryInsert(batch)
	duration := time.Since(start)
	metrics.MySQLBatchDuration.Observe(duration.Seconds())

	if err != nil {
		metrics.MySQLBatchesTotal.WithLabelValues("error").Inc()
		metrics.MySQLWriteErrors.Inc()
		s.logger.WithFields(logrus.Fields{"batch_size": len(batch), "duration": duration, "error": err}).
			Error("failed to flush membership events to MySQL")
		return
	}

	metrics.MySQLBatchesTotal.WithLabelValues("success").Inc()
	s.logger.WithFields(logrus.Fields{"batch_size": len(batch), "duration": duration}).
		Debug("flushed membership events to MySQL")
}

func (s *Sink) retryInsert(batch []Event) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.RetryDelay * time.Duration(attempt)):
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		}

		// Close cancels s.ctx before the final flush, so the insert itself
		// must not inherit that cancellation.
		lastErr = s.insert(context.WithoutCancel(s.ctx), batch)
		if lastErr == nil {
			return nil
		}
		s.logger.WithFields(logrus.Fields{"attempt": attempt + 1, "max_retries": s.cfg.MaxRetries, "error": lastErr}).
			Warn("membership event batch insert failed, retrying")
	}
	return fmt.Errorf("analytics/mysql: insert failed after %d retries: %w", s.cfg.MaxRetries, lastErr)
}

func (s *Sink) insertBatch(ctx context.Context, batch []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO membership_events (query_id, key_name, event_type, distance_km, at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx, ev.QueryID, ev.Key, ev.EventType, ev.DistanceKm, ev.At); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
