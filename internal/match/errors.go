package match

import (
	"errors"
	"fmt"
)

// ErrMalformedEmbedding marks an embedding that cannot be compared against the gallery.
var ErrMalformedEmbedding = errors.New("malformed embedding")

// DimensionError reports an embedding of the wrong length.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("malformed embedding: got %d dimensions, want %d", e.Got, e.Want)
}

func (e *DimensionError) Is(target error) bool {
	return target == ErrMalformedEmbedding
}
