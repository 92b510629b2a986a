package match

import (
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
)

// DefaultThreshold is the Euclidean distance below which two faces match.
const DefaultThreshold = 0.45

// Display labels that do not come from enrollment.
const (
	LabelCached  = "Cached"
	LabelUnknown = "Unknown"
)

// Match policies.
const (
	PolicyFirst   = "first"
	PolicyNearest = "nearest"
)

// Options configures an Engine.
type Options struct {
	Threshold    float64
	CacheTimeout time.Duration
	// Policy is PolicyFirst (default) or PolicyNearest.
	Policy string
}

// Result is the outcome of matching one embedding.
type Result struct {
	Label    string
	Category types.Category
	Cached   bool
}

// finder returns the selected entry of one category for a probe, if any is within threshold.
type finder interface {
	find(c types.Category, probe []float64) (Entry, bool)
}

// Engine decides whether an embedding is a cache hit, an allow match, a deny match or unknown.
type Engine struct {
	gallery   *Gallery
	cache     *Cache
	threshold float64
	finder    finder

	// Now is the clock used for cache timestamps.
	Now func() time.Time
}

// NewEngine builds an engine over a fully loaded gallery.
func NewEngine(g *Gallery, opts Options) (*Engine, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	e := &Engine{
		gallery:   g,
		cache:     NewCache(opts.CacheTimeout),
		threshold: opts.Threshold,
		Now:       time.Now,
	}

	switch opts.Policy {
	case "", PolicyFirst:
		e.finder = firstMatch{gallery: g, threshold: opts.Threshold}
	case PolicyNearest:
		e.finder = newNearestIndex(g, opts.Threshold)
	default:
		return nil, fmt.Errorf("unknown match policy %q (use %q or %q)", opts.Policy, PolicyFirst, PolicyNearest)
	}
	return e, nil
}

// Cache exposes the re-identification cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Threshold returns the match distance threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Match runs one embedding through the cache, then the allow list, then the deny list.
// A cache hit hides the enrolled label and reports LabelCached.
func (e *Engine) Match(embedding []float64) (Result, error) {
	if len(embedding) != e.gallery.Dim() {
		return Result{}, &DimensionError{Got: len(embedding), Want: e.gallery.Dim()}
	}

	id := Signature(embedding)
	if category, ok := e.cache.LookupAndRefresh(id, e.Now()); ok {
		return Result{Label: LabelCached, Category: category, Cached: true}, nil
	}

	for _, c := range []types.Category{types.Allow, types.Deny} {
		if entry, ok := e.finder.find(c, embedding); ok {
			e.cache.Insert(id, c, e.Now())
			return Result{Label: entry.Label, Category: c}, nil
		}
	}

	return Result{Label: LabelUnknown, Category: types.Unknown}, nil
}

// firstMatch returns the earliest enrolled entry strictly within threshold.
type firstMatch struct {
	gallery   *Gallery
	threshold float64
}

func (f firstMatch) find(c types.Category, probe []float64) (Entry, bool) {
	for _, entry := range f.gallery.List(c) {
		if Distance(entry.Embedding, probe) < f.threshold {
			return entry, true
		}
	}
	return Entry{}, false
}

// Distance is the Euclidean distance between two embeddings of equal length.
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
