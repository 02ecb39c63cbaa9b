package index

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/rcliao/memory-substrate/internal/embedding"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("vector dimension mismatch")

// HNSW is an in-memory hierarchical navigable small world graph.
// The graph is not safe for concurrent mutation, so every call is
// serialized behind mu.
type HNSW struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[string]
	m        int
	efSearch int
	dims     int
}

// NewHNSW creates an empty graph. Zero values select library defaults.
func NewHNSW(m, efSearch int) *HNSW {
	h := &HNSW{m: m, efSearch: efSearch}
	h.graph = h.newGraph()
	return h
}

func (h *HNSW) newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.Distance = hnsw.CosineDistance
	if h.m > 0 {
		g.M = h.m
	}
	if h.efSearch > 0 {
		g.EfSearch = h.efSearch
	}
	return g
}

func (h *HNSW) Add(_ context.Context, id string, vec []float32) error {
	if !embedding.Usable(vec) {
		return ErrDimension
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dims == 0 || h.graph.Len() == 0 {
		h.dims = len(vec)
	}
	if len(vec) != h.dims {
		return ErrDimension
	}
	h.deleteLocked(id)

	v := make([]float32, len(vec))
	copy(v, vec)
	h.graph.Add(hnsw.MakeNode(id, v))
	return nil
}

func (h *HNSW) Remove(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleteLocked(id)
	return nil
}

// deleteLocked removes id. A graph emptied by deletion is replaced, since
// the library keeps a dangling entry point otherwise.
func (h *HNSW) deleteLocked(id string) {
	if _, ok := h.graph.Lookup(id); !ok {
		return
	}
	if h.graph.Len() == 1 {
		h.graph = h.newGraph()
		return
	}
	h.graph.Delete(id)
}

func (h *HNSW) Search(_ context.Context, vec []float32, k int) ([]Hit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || h.graph.Len() == 0 {
		return nil, nil
	}
	if len(vec) != h.dims {
		return nil, ErrDimension
	}

	nodes := h.graph.Search(vec, k)
	hits := make([]Hit, 0, len(nodes))
	for _, n := range nodes {
		hits = append(hits, Hit{ID: n.Key, Similarity: embedding.CosineSimilarity(vec, n.Value)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	return hits, nil
}

func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph.Len()
}
