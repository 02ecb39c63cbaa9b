package index

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/rcliao/memory-substrate/internal/embedding"
)

// Chromem is an exact in-memory index backed by a chromem-go collection.
// It trades query speed for recall and suits small deployments and tests.
type Chromem struct {
	col *chromem.Collection
}

// NewChromem creates an index backed by a fresh in-memory collection.
func NewChromem(name string) (*Chromem, error) {
	db := chromem.NewDB()
	// Embeddings are always supplied by the caller, so the collection's
	// embedding func is never invoked.
	col, err := db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Chromem{col: col}, nil
}

func (c *Chromem) Add(ctx context.Context, id string, vec []float32) error {
	if !embedding.Usable(vec) {
		return ErrDimension
	}
	v := make([]float32, len(vec))
	copy(v, vec)
	_ = c.col.Delete(ctx, nil, nil, id)
	return c.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: v,
		Content:   id,
	})
}

func (c *Chromem) Remove(ctx context.Context, id string) error {
	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (c *Chromem) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	n := c.col.Count()
	if k <= 0 || n == 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}
	res, err := c.col.QueryEmbedding(ctx, embedding.Normalize(vec), k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		hits = append(hits, Hit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

func (c *Chromem) Len() int {
	return c.col.Count()
}
