// Package index provides the per-tier approximate nearest-neighbour index.
// The index only holds ids and vectors; records are always hydrated from
// the store, so an entry without a committed row is never returned.
package index

import (
	"context"
	"fmt"

	"github.com/rcliao/memory-substrate/internal/model"
)

// Hit is one nearest-neighbour candidate.
type Hit struct {
	ID         string
	Similarity float64
}

// Index is a vector index over one tier.
type Index interface {
	// Add inserts or replaces the vector for id.
	Add(ctx context.Context, id string, vec []float32) error
	// Remove deletes id. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
	// Search returns up to k candidates ordered by similarity descending.
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	// Len returns the number of indexed vectors.
	Len() int
}

// Options configures the backend.
type Options struct {
	Backend  string // hnsw | chromem
	M        int
	EfSearch int
}

// Set holds one index per tier.
type Set struct {
	tiers map[model.Tier]Index
}

// NewSet builds an index per tier with the configured backend.
func NewSet(opts Options) (*Set, error) {
	s := &Set{tiers: make(map[model.Tier]Index, len(model.Tiers))}
	for _, t := range model.Tiers {
		switch opts.Backend {
		case "", "hnsw":
			s.tiers[t] = NewHNSW(opts.M, opts.EfSearch)
		case "chromem":
			idx, err := NewChromem(string(t))
			if err != nil {
				return nil, fmt.Errorf("create %s index: %w", t, err)
			}
			s.tiers[t] = idx
		default:
			return nil, fmt.Errorf("unknown index backend %q", opts.Backend)
		}
	}
	return s, nil
}

// Tier returns the index for t.
func (s *Set) Tier(t model.Tier) Index {
	return s.tiers[t]
}

// Source streams persisted embeddings of a tier.
type Source interface {
	ScanEmbeddings(ctx context.Context, tier model.Tier, fn func(id string, vec []float32) error) error
}

// Rebuild loads every persisted embedding into the set. It returns the
// number of vectors indexed per tier.
func (s *Set) Rebuild(ctx context.Context, src Source) (map[model.Tier]int, error) {
	counts := make(map[model.Tier]int, len(s.tiers))
	for _, t := range model.Tiers {
		idx := s.tiers[t]
		err := src.ScanEmbeddings(ctx, t, func(id string, vec []float32) error {
			if err := idx.Add(ctx, id, vec); err != nil {
				return fmt.Errorf("index %s: %w", id, err)
			}
			counts[t]++
			return nil
		})
		if err != nil {
			return counts, fmt.Errorf("rebuild %s: %w", t, err)
		}
	}
	return counts, nil
}
