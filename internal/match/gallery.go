package match

import (
	"fmt"

	"github.com/andresmejia3/watchlist/internal/types"
)

// DefaultDimension is the embedding length produced by the detector worker.
const DefaultDimension = 128

// Entry is one enrolled face.
type Entry struct {
	Embedding []float64
	Label     string
	Category  types.Category
}

// Gallery holds the allow and deny lists in enrollment order.
// It is filled once at startup and only read afterwards; Add is not safe to
// call while an Engine is matching against the gallery.
type Gallery struct {
	dim   int
	allow []Entry
	deny  []Entry
}

// NewGallery creates an empty gallery for embeddings of length dim.
func NewGallery(dim int) *Gallery {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Gallery{dim: dim}
}

// Add appends an entry to the list for its category.
func (g *Gallery) Add(e Entry) error {
	if len(e.Embedding) != g.dim {
		return &DimensionError{Got: len(e.Embedding), Want: g.dim}
	}
	switch e.Category {
	case types.Allow:
		g.allow = append(g.allow, e)
	case types.Deny:
		g.deny = append(g.deny, e)
	default:
		return fmt.Errorf("cannot enroll %q with category %s", e.Label, e.Category)
	}
	return nil
}

// Dim returns the expected embedding length.
func (g *Gallery) Dim() int { return g.dim }

// List returns the entries of one category in enrollment order.
func (g *Gallery) List(c types.Category) []Entry {
	switch c {
	case types.Allow:
		return g.allow
	case types.Deny:
		return g.deny
	}
	return nil
}

// Len returns the total number of enrolled entries.
func (g *Gallery) Len() int { return len(g.allow) + len(g.deny) }
