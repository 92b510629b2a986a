package archive

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/watchlist/internal/tally"
	"github.com/andresmejia3/watchlist/internal/types"
)

var testLogger = log.New(io.Discard, "", 0)

type memBackend struct {
	mu      sync.Mutex
	batches [][]types.Event
	err     error
	block   chan struct{}
}

func (m *memBackend) RecordEvents(ctx context.Context, events []types.Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := make([]types.Event, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *memBackend) all() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Event
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func entries(n int) []tally.Entry {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	out := make([]tally.Entry, n)
	for i := range out {
		out[i] = tally.Entry{At: base.Add(time.Duration(i) * time.Second), Category: types.Allow, Label: "alice"}
	}
	return out
}

func TestWriterFlushesOnClose(t *testing.T) {
	backend := &memBackend{}
	w := NewWriter(backend, Options{BatchSize: 2, FlushInterval: time.Hour, Logger: testLogger})

	w.Submit(entries(5))
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := backend.all()
	if len(got) != 5 {
		t.Fatalf("Expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.RunID != w.RunID() {
			t.Errorf("Event %d has run ID %q, want %q", i, ev.RunID, w.RunID())
		}
		if ev.ID == "" {
			t.Errorf("Event %d has no ID", i)
		}
		if i > 0 && !ev.SeenAt.After(got[i-1].SeenAt) {
			t.Errorf("Events out of order at %d", i)
		}
	}
	if len(backend.batches) != 3 {
		t.Errorf("Expected batches of 2, 2, 1, got %d batches", len(backend.batches))
	}
	if w.Written() != 5 || w.Dropped() != 0 {
		t.Errorf("Unexpected counters: written %d, dropped %d", w.Written(), w.Dropped())
	}

	// Submitting after Close drops instead of panicking.
	w.Submit(entries(1))
	if w.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event after Close, got %d", w.Dropped())
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	backend := &memBackend{block: make(chan struct{})}
	w := NewWriter(backend, Options{Buffer: 2, BatchSize: 1, FlushInterval: time.Hour, Logger: testLogger})

	// The first event is taken by the loop and blocks in the backend.
	w.Submit(entries(1))
	deadline := time.Now().Add(5 * time.Second)
	for len(w.ch) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Writer never picked up the first event")
		}
		time.Sleep(time.Millisecond)
	}

	w.Submit(entries(4))
	if got := w.Dropped(); got != 2 {
		t.Errorf("Expected 2 dropped events, got %d", got)
	}

	close(backend.block)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := len(backend.all()); got != 3 {
		t.Errorf("Expected 3 written events, got %d", got)
	}
}

func TestWriterCountsFailures(t *testing.T) {
	backend := &memBackend{err: errors.New("disk full")}
	w := NewWriter(backend, Options{Logger: testLogger})
	w.Submit(entries(3))
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if w.Failed() != 3 || w.Written() != 0 {
		t.Errorf("Expected 3 failed events, got failed %d written %d", w.Failed(), w.Written())
	}
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer db.Close()

	w := NewWriter(db, Options{Logger: testLogger})
	cycle := entries(3)
	cycle[1].Category = types.Deny
	cycle[1].Label = "mallory"
	cycle[2].Category = types.Unknown
	cycle[2].Label = "Unknown"
	w.Submit(cycle)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	recent, err := db.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Label != "mallory" || recent[1].Category != types.Unknown {
		t.Errorf("Unexpected recent events %+v", recent)
	}

	counts, err := db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts["whitelist"] != 1 || counts["blacklist"] != 1 || counts["unknown"] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}

	n, err := db.Purge(ctx)
	if err != nil || n != 3 {
		t.Errorf("Expected Purge to delete 3 rows, got %d (%v)", n, err)
	}
}

func TestSQLiteRecentKeepsCycleOrder(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer db.Close()

	// Every face of one processed frame carries the same timestamp.
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	labels := []string{"alice", "mallory", "Unknown", "bob", "carol"}
	cycle := make([]tally.Entry, len(labels))
	for i, l := range labels {
		cycle[i] = tally.Entry{At: at, Category: types.Allow, Label: l}
	}

	w := NewWriter(db, Options{Logger: testLogger})
	w.Submit(cycle)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recent, err := db.Recent(context.Background(), len(labels))
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != len(labels) {
		t.Fatalf("Expected %d events, got %d", len(labels), len(recent))
	}
	for i, ev := range recent {
		if ev.Label != labels[i] {
			t.Errorf("Event %d = %q, want %q", i, ev.Label, labels[i])
		}
	}
}
