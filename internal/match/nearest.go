package match

import (
	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/coder/hnsw"
)

// nearestMaxNeighbors is the HNSW M parameter.
const nearestMaxNeighbors = 16

// nearestIndex selects the closest enrolled entry per category instead of the
// first one within threshold. Enrollment order no longer breaks ties.
type nearestIndex struct {
	threshold float64
	graphs    map[types.Category]*hnsw.Graph[int]
	entries   map[types.Category][]Entry
}

func newNearestIndex(g *Gallery, threshold float64) *nearestIndex {
	idx := &nearestIndex{
		threshold: threshold,
		graphs:    make(map[types.Category]*hnsw.Graph[int]),
		entries:   make(map[types.Category][]Entry),
	}
	for _, c := range []types.Category{types.Allow, types.Deny} {
		list := g.List(c)
		if len(list) == 0 {
			continue
		}
		graph := hnsw.NewGraph[int]()
		graph.M = nearestMaxNeighbors
		graph.Ml = 1.0 / float64(nearestMaxNeighbors)
		graph.Distance = hnsw.EuclideanDistance
		for i, entry := range list {
			graph.Add(hnsw.MakeNode(i, toFloat32(entry.Embedding)))
		}
		idx.graphs[c] = graph
		idx.entries[c] = list
	}
	return idx
}

func (n *nearestIndex) find(c types.Category, probe []float64) (Entry, bool) {
	graph, ok := n.graphs[c]
	if !ok {
		return Entry{}, false
	}
	neighbors := graph.Search(toFloat32(probe), 1)
	if len(neighbors) == 0 {
		return Entry{}, false
	}
	entry := n.entries[c][neighbors[0].Key]
	// The graph works in float32; the threshold is checked on the exact distance.
	if Distance(entry.Embedding, probe) < n.threshold {
		return entry, true
	}
	return Entry{}, false
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
