package mysql

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// newTestSink builds a Sink without dialing a real database, substituting
// insert with a fake that records every batch it's called with.
func newTestSink(t *testing.T, cfg Config, insert func(ctx context.Context, batch []Event) error) *Sink {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		cfg:    cfg,
		logger: discardLogger(),
		insert: insert,
		events: make(chan Event, cfg.ChannelBuffer),
		buffer: make([]Event, 0, cfg.BatchSize),
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSinkFlushesOnBatchSize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]Event
	cfg := Config{BatchSize: 2, FlushInterval: time.Hour, ChannelBuffer: 10, MaxRetries: 0, RetryDelay: time.Millisecond}

	s := newTestSink(t, cfg, func(_ context.Context, batch []Event) error {
		mu.Lock()
		defer mu.Unlock()
		cp := make([]Event, len(batch))
		copy(cp, batch)
		batches = append(batches, cp)
		return nil
	})

	s.Record(Event{QueryID: "q1", Key: "k1", EventType: "entered"})
	s.Record(Event{QueryID: "q1", Key: "k2", EventType: "entered"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSinkFlushesOnTimer(t *testing.T) {
	var mu sync.Mutex
	flushed := false
	cfg := Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond, ChannelBuffer: 10, MaxRetries: 0, RetryDelay: time.Millisecond}

	s := newTestSink(t, cfg, func(_ context.Context, batch []Event) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = len(batch) == 1
		return nil
	})

	s.Record(Event{QueryID: "q1", Key: "k1", EventType: "exited"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed
	}, time.Second, 5*time.Millisecond)
}

func TestSinkRetriesOnFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	cfg := Config{BatchSize: 1, FlushInterval: time.Hour, ChannelBuffer: 10, MaxRetries: 2, RetryDelay: time.Millisecond}

	s := newTestSink(t, cfg, func(_ context.Context, batch []Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})

	s.Record(Event{QueryID: "q1", Key: "k1", EventType: "moved"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSinkDropsEventsWhenQueueFull(t *testing.T) {
	cfg := Config{BatchSize: 1, FlushInterval: time.Hour, ChannelBuffer: 1, MaxRetries: 0, RetryDelay: time.Millisecond}

	blocked := make(chan struct{})
	s := newTestSink(t, cfg, func(_ context.Context, batch []Event) error {
		<-blocked
		return nil
	})

	// Fill the channel buffer (size 1) and give the worker a moment to pull
	// the first event into its buffer and block on insert.
	s.Record(Event{QueryID: "q1", Key: "k1"})
	time.Sleep(20 * time.Millisecond)
	s.Record(Event{QueryID: "q1", Key: "k2"})
	s.Record(Event{QueryID: "q1", Key: "k3"}) // queue now full, should drop

	require.Len(t, s.events, 1)
	close(blocked)
}

func TestSinkFlushesRemainingBufferOnClose(t *testing.T) {
	var mu sync.Mutex
	var lastBatch []Event
	cfg := Config{BatchSize: 100, FlushInterval: time.Hour, ChannelBuffer: 10, MaxRetries: 0, RetryDelay: time.Millisecond}

	s := newTestSink(t, cfg, func(_ context.Context, batch []Event) error {
		mu.Lock()
		defer mu.Unlock()
		lastBatch = append([]Event(nil), batch...)
		return nil
	})

	s.Record(Event{QueryID: "q1", Key: "k1", EventType: "entered"})
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lastBatch, 1)
	require.Equal(t, "k1", lastBatch[0].Key)
}
