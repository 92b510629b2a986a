// Package tally keeps the per-cycle detection counts and the rolling event log.
package tally

import (
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
)

// DefaultRecent is the number of log lines included in a Report.
const DefaultRecent = 20

// DefaultRetention bounds the in-memory event log.
const DefaultRetention = 10000

// Entry is one detection in the event log.
type Entry struct {
	At       time.Time
	Category types.Category
	Label    string
}

// String renders the entry as "HH:MM:SS - <Category>: <Label>".
func (e Entry) String() string {
	return fmt.Sprintf("%s - %s: %s", e.At.Local().Format("15:04:05"), e.Category, e.Label)
}

// Counts is the number of detections per category in one processing cycle.
type Counts struct {
	Whitelist int `json:"whitelist"`
	Blacklist int `json:"blacklist"`
	Unknown   int `json:"unknown"`
}

func (c *Counts) add(cat types.Category) {
	switch cat {
	case types.Allow:
		c.Whitelist++
	case types.Deny:
		c.Blacklist++
	default:
		c.Unknown++
	}
}

// Get returns the count for one category.
func (c Counts) Get(cat types.Category) int {
	switch cat {
	case types.Allow:
		return c.Whitelist
	case types.Deny:
		return c.Blacklist
	default:
		return c.Unknown
	}
}

// Report is the status document served to hosts.
type Report struct {
	Counts
	Log []string `json:"log"`
}

// Aggregator owns the published tally and the event log.
// The processing loop writes through Cycles; any goroutine may read.
type Aggregator struct {
	mu        sync.RWMutex
	counts    Counts
	log       []Entry
	retention int
	cycles    int
}

// New creates an Aggregator keeping at most retention log entries in memory.
// A retention of 0 keeps everything.
func New(retention int) *Aggregator {
	if retention < 0 {
		retention = DefaultRetention
	}
	return &Aggregator{retention: retention}
}

// Cycle collects the results of one processing cycle.
// Nothing is visible to readers until Commit.
type Cycle struct {
	agg       *Aggregator
	counts    Counts
	entries   []Entry
	committed bool
}

// BeginCycle starts a processing cycle with an empty tally.
func (a *Aggregator) BeginCycle() *Cycle {
	return &Cycle{agg: a}
}

// Record counts one matched face and queues its log entry.
func (c *Cycle) Record(cat types.Category, label string, at time.Time) {
	c.counts.add(cat)
	c.entries = append(c.entries, Entry{At: at, Category: cat, Label: label})
}

// Entries returns the entries recorded so far in this cycle.
func (c *Cycle) Entries() []Entry {
	return c.entries
}

// Commit replaces the published tally with this cycle's counts and appends
// its entries to the log in one step. Commit is a no-op after the first call.
func (c *Cycle) Commit() {
	if c.committed {
		return
	}
	c.committed = true

	a := c.agg
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts = c.counts
	a.log = append(a.log, c.entries...)
	if a.retention > 0 && len(a.log) > a.retention {
		// Copy so the dropped prefix can be collected.
		trimmed := make([]Entry, a.retention)
		copy(trimmed, a.log[len(a.log)-a.retention:])
		a.log = trimmed
	}
	a.cycles++
}

// Counts returns the tally of the most recently committed cycle.
func (a *Aggregator) Counts() Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counts
}

// Cycles returns the number of committed cycles.
func (a *Aggregator) Cycles() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cycles
}

// Len returns the number of entries held in memory.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.log)
}

// Recent returns up to n of the latest log entries, oldest first.
func (a *Aggregator) Recent(n int) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recent(n)
}

func (a *Aggregator) recent(n int) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	start := max(len(a.log)-n, 0)
	out := make([]Entry, len(a.log)-start)
	copy(out, a.log[start:])
	return out
}

// Report returns the latest counts together with the last n formatted log lines,
// both taken from the same committed cycle.
func (a *Aggregator) Report(n int) Report {
	a.mu.RLock()
	recent := a.recent(n)
	counts := a.counts
	a.mu.RUnlock()

	lines := make([]string, len(recent))
	for i, e := range recent {
		lines[i] = e.String()
	}
	return Report{Counts: counts, Log: lines}
}
