package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/embedding"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/notify"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Merge strategies for consolidated content.
const (
	MergeConcat  = "concat"
	MergeLongest = "longest"
)

// CompoundSource is the source stamped on consolidated records.
const CompoundSource = "compounding"

// errCompounded means a supersedes edge already targets one of the pair.
var errCompounded = errors.New("already compounded")

// CompoundPolicy controls near-duplicate consolidation.
type CompoundPolicy struct {
	Threshold  float64
	Strategy   string
	Neighbors  int
	MaxRetries int
	// MinSimilarity is the retrieval floor; Threshold must exceed it.
	MinSimilarity float64
}

// Validate checks the policy.
func (p CompoundPolicy) Validate() error {
	if p.Threshold <= p.MinSimilarity || p.Threshold > 1 {
		return model.NewValidationError("compounding.similarity_threshold",
			fmt.Sprintf("must be in (%.2f, 1]", p.MinSimilarity))
	}
	if p.Strategy != MergeConcat && p.Strategy != MergeLongest {
		return model.NewValidationError("compounding.merge_strategy", fmt.Sprintf("unknown strategy %q", p.Strategy))
	}
	return nil
}

// CompoundReport summarizes one compounding run.
type CompoundReport struct {
	Candidates int      `json:"candidates"`
	Pairs      int      `json:"pairs"`
	Merged     int      `json:"merged"`
	Skipped    int      `json:"skipped"`
	Created    []string `json:"created,omitempty"`
}

// Compounder consolidates near-duplicate long-tier records of the same
// owner and scope into one record that supersedes both.
type Compounder struct {
	deps
	store    Store
	indexes  *index.Set
	embedder Embedder
	ledger   *audit.Ledger
	policy   atomic.Pointer[CompoundPolicy]
}

// NewCompounder creates a compounding job.
func NewCompounder(st Store, indexes *index.Set, emb Embedder, ledger *audit.Ledger, policy CompoundPolicy, opts ...Option) *Compounder {
	c := &Compounder{deps: newDeps(opts), store: st, indexes: indexes, embedder: emb, ledger: ledger}
	c.policy.Store(&policy)
	return c
}

// SetPolicy swaps the policy used by the next run.
func (c *Compounder) SetPolicy(p CompoundPolicy) {
	c.policy.Store(&p)
}

type partition struct {
	group, owner, project string
	scope                 model.Scope
}

func partitionOf(r *model.Record) partition {
	return partition{group: r.GroupID, owner: r.OwnerID, project: r.ProjectID, scope: r.Scope}
}

type pair struct {
	a, b       *model.Record
	similarity float64
}

// Run finds and merges qualifying pairs. Each record joins at most one
// pair per run, highest similarity first.
func (c *Compounder) Run(ctx context.Context) (*CompoundReport, error) {
	start := time.Now()
	defer observe("compound", start)

	p := *c.policy.Load()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("compound: %w", err)
	}

	candidates, err := c.store.CompoundCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("compound: %w", err)
	}
	report := &CompoundReport{Candidates: len(candidates)}

	pairs, err := c.findPairs(ctx, candidates, p)
	if err != nil {
		return report, fmt.Errorf("compound: %w", err)
	}
	report.Pairs = len(pairs)

	used := make(map[string]bool)
	for _, pr := range pairs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if used[pr.a.ID] || used[pr.b.ID] {
			continue
		}
		id, err := c.merge(ctx, pr, p)
		switch {
		case err == nil:
			used[pr.a.ID], used[pr.b.ID] = true, true
			report.Merged++
			report.Created = append(report.Created, id)
		case errors.Is(err, errSkip), errors.Is(err, errCompounded):
			report.Skipped++
		default:
			report.Skipped++
			c.logger.Warn("compounding skipped pair", "a", pr.a.ID, "b", pr.b.ID, "error", err)
		}
	}

	metrics.MaintenanceRecords.WithLabelValues("compound", string(model.TierLong)).Add(float64(report.Merged))
	c.logger.Info("compounding complete",
		"candidates", report.Candidates, "pairs", report.Pairs, "merged", report.Merged, "skipped", report.Skipped)
	return report, nil
}

// findPairs proposes neighbours through the ANN index and confirms each
// with an exact cosine over the stored vectors.
func (c *Compounder) findPairs(ctx context.Context, recs []*model.Record, p CompoundPolicy) ([]pair, error) {
	byID := make(map[string]*model.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	k := p.Neighbors
	if k <= 0 {
		k = 5
	}

	idx := c.indexes.Tier(model.TierLong)
	seen := make(map[[2]string]bool)
	var pairs []pair
	for _, r := range recs {
		hits, err := idx.Search(ctx, r.Embedding, k+1)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			other, ok := byID[h.ID]
			if !ok || other.ID == r.ID || partitionOf(other) != partitionOf(r) {
				continue
			}
			a, b := r, other
			if b.ID < a.ID {
				a, b = b, a
			}
			key := [2]string{a.ID, b.ID}
			if seen[key] {
				continue
			}
			seen[key] = true
			sim := embedding.CosineSimilarity(a.Embedding, b.Embedding)
			if sim >= p.Threshold {
				pairs = append(pairs, pair{a: a, b: b, similarity: sim})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].similarity != pairs[j].similarity {
			return pairs[i].similarity > pairs[j].similarity
		}
		if pairs[i].a.ID != pairs[j].a.ID {
			return pairs[i].a.ID < pairs[j].a.ID
		}
		return pairs[i].b.ID < pairs[j].b.ID
	})
	return pairs, nil
}

func (c *Compounder) merge(ctx context.Context, pr pair, p CompoundPolicy) (string, error) {
	var merged *model.Record
	a, b := pr.a, pr.b
	err := retry("compound", p.MaxRetries, func(n int) error {
		if n > 0 {
			var err error
			if a, err = c.fresh(ctx, a.ID); err != nil {
				return err
			}
			if b, err = c.fresh(ctx, b.ID); err != nil {
				return err
			}
		}
		if a.Superseded || b.Superseded {
			return errSkip
		}
		merged = c.consolidate(ctx, a, b, p.Strategy)
		return c.persist(ctx, a, b, merged, pr.similarity, p.Strategy)
	})
	if err != nil {
		return "", err
	}
	c.publisher.Publish(notify.Event{
		Type:     notify.EventCompounded,
		RecordID: merged.ID,
		Tier:     model.TierLong,
		GroupID:  merged.GroupID,
		OwnerID:  merged.OwnerID,
		Kind:     merged.Kind,
		Count:    2,
		At:       merged.CreatedAt,
	})
	return merged.ID, nil
}

func (c *Compounder) fresh(ctx context.Context, id string) (*model.Record, error) {
	rec, err := c.store.Get(ctx, model.TierLong, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, errSkip
	}
	return rec, err
}

// consolidate builds the record that replaces a and b.
func (c *Compounder) consolidate(ctx context.Context, a, b *model.Record, strategy string) *model.Record {
	now := c.now().UTC()
	primary := a
	if b.Importance > a.Importance || (b.Importance == a.Importance && b.UpdatedAt.After(a.UpdatedAt)) {
		primary = b
	}

	rec := &model.Record{
		ID:         store.NewID(),
		Tier:       model.TierLong,
		GroupID:    a.GroupID,
		OwnerID:    a.OwnerID,
		ProjectID:  a.ProjectID,
		Creator:    model.CreatorSystem,
		Source:     CompoundSource,
		Scope:      a.Scope,
		Kind:       primary.Kind,
		Content:    mergeContent(strategy, a.Content, b.Content),
		Importance: max(a.Importance, b.Importance),
		Confidence: maxConfidence(a.Confidence, b.Confidence),
		Tags:       model.NormalizeTags(append(append([]string{}, a.Tags...), b.Tags...)),
		Metadata:   mergeMetadata(a.Metadata, b.Metadata, primary == a),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}

	vec, err := c.embedder.Embed(ctx, rec.Content)
	if err != nil {
		c.logger.Warn("embedding merged content failed, using mean vector", "a", a.ID, "b", b.ID, "error", err)
		vec = embedding.Mean(a.Embedding, b.Embedding)
	}
	if embedding.Usable(vec) {
		rec.Embedding = vec
	} else {
		rec.Degraded = true
	}
	return rec
}

func (c *Compounder) persist(ctx context.Context, a, b, merged *model.Record, similarity float64, strategy string) error {
	idx := c.indexes.Tier(model.TierLong)
	indexed := false
	ctx = context.WithoutCancel(ctx)

	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		done, err := tx.HasSupersedesEdge(ctx, a.ID, b.ID)
		if err != nil {
			return err
		}
		if done {
			return errCompounded
		}

		if err := tx.InsertRecord(ctx, merged); err != nil {
			return err
		}
		for _, orig := range []*model.Record{a, b} {
			if err := tx.InsertRelationship(ctx, model.Relationship{
				FromID:    merged.ID,
				ToID:      orig.ID,
				Type:      model.RelSupersedes,
				Strength:  similarity,
				CreatedAt: merged.CreatedAt,
			}); err != nil {
				return err
			}
			if err := tx.MarkSuperseded(ctx, orig.ID, merged.ID, merged.CreatedAt, orig.Version); err != nil {
				return err
			}
			e := c.ledger.Entry(model.OpSupersede, audit.System, model.TierLong, orig.ID)
			e.Detail = map[string]any{"superseded_by": merged.ID, "similarity": similarity}
			if err := c.ledger.Append(ctx, tx, e); err != nil {
				return err
			}
		}

		e := c.ledger.Entry(model.OpCompound, audit.System, model.TierLong, merged.ID)
		e.Detail = map[string]any{
			"creator":    string(merged.Creator),
			"source":     merged.Source,
			"supersedes": []string{a.ID, b.ID},
			"similarity": similarity,
			"strategy":   strategy,
			"degraded":   merged.Degraded,
		}
		if err := c.ledger.Append(ctx, tx, e); err != nil {
			return err
		}

		if merged.Embedding != nil {
			if err := idx.Add(ctx, merged.ID, merged.Embedding); err != nil {
				return err
			}
			indexed = true
		}
		return nil
	})
	if err != nil && indexed {
		if rerr := idx.Remove(ctx, merged.ID); rerr != nil {
			c.logger.Error("index cleanup failed", "record_id", merged.ID, "error", rerr)
		}
	}
	return err
}

func mergeContent(strategy, a, b string) string {
	if strategy == MergeLongest {
		if len(b) > len(a) {
			return b
		}
		return a
	}
	if strings.Contains(a, b) {
		return a
	}
	if strings.Contains(b, a) {
		return b
	}
	return a + "\n\n" + b
}

func maxConfidence(a, b *float64) *float64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil || *a >= *b:
		v := *a
		return &v
	default:
		v := *b
		return &v
	}
}

// mergeMetadata unions both maps; on a key collision the primary wins.
func mergeMetadata(a, b map[string]any, aPrimary bool) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	first, second := b, a
	if !aPrimary {
		first, second = a, b
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range first {
		out[k] = v
	}
	for k, v := range second {
		out[k] = v
	}
	return out
}
