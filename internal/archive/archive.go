// Package archive persists the detection log outside the process.
//
// The Writer sits between the frame loop and a Backend. Submit never blocks:
// when the buffer is full the events are dropped and counted.
package archive

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/watchlist/internal/tally"
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/google/uuid"
)

const (
	DefaultBuffer        = 1024
	DefaultBatchSize     = 64
	DefaultFlushInterval = time.Second
)

// Backend stores batches of events.
type Backend interface {
	RecordEvents(ctx context.Context, events []types.Event) error
}

type Options struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *log.Logger
}

// Writer batches events to a Backend on its own goroutine.
type Writer struct {
	backend Backend
	runID   string
	opts    Options
	logger  *log.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan types.Event
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter starts a writer with a fresh run ID.
func NewWriter(backend Backend, opts Options) *Writer {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	w := &Writer{
		backend: backend,
		runID:   uuid.NewString(),
		opts:    opts,
		logger:  logger,
		ch:      make(chan types.Event, opts.Buffer),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// RunID identifies every event written by this process.
func (w *Writer) RunID() string { return w.runID }

func (w *Writer) Written() uint64 { return w.written.Load() }
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }
func (w *Writer) Failed() uint64  { return w.failed.Load() }

// Submit queues the entries of one committed cycle.
func (w *Writer) Submit(entries []tally.Entry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(uint64(len(entries)))
		return
	}
	for _, e := range entries {
		ev := types.Event{
			ID:       uuid.NewString(),
			RunID:    w.runID,
			SeenAt:   e.At,
			Category: e.Category,
			Label:    e.Label,
		}
		select {
		case w.ch <- ev:
		default:
			if w.dropped.Add(1) == 1 {
				w.logger.Printf("archive: buffer full, dropping events")
			}
		}
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to expire.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.Event, 0, w.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.backend.RecordEvents(context.Background(), batch); err != nil {
			w.failed.Add(uint64(len(batch)))
			w.logger.Printf("archive: failed to write %d events: %v", len(batch), err)
		} else {
			w.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
