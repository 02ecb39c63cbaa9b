// Package retrieval answers similarity queries across the tiers, enforcing
// the read predicate and scope on every hydrated record.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/embedding"
	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/store"
)

// fallbackWeight scales substring-match scores so they never outrank a
// confident semantic hit.
const fallbackWeight = 0.5

// Store is the read surface the router needs.
type Store interface {
	GetMany(ctx context.Context, tier model.Tier, ids []string) (map[string]*model.Record, error)
	TextSearch(ctx context.Context, tier model.Tier, p store.TextParams) ([]*model.Record, error)
}

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Toucher records that a record was returned to a caller.
type Toucher interface {
	Touch(tier model.Tier, id string)
}

// Settings are the tunables that may change on config reload.
type Settings struct {
	TopK          int
	MinSimilarity float64
	Overfetch     int
}

// Query is a search request.
type Query struct {
	Text  string       `json:"text"`
	Scope model.Scope  `json:"scope,omitempty"`
	Tiers []model.Tier `json:"tiers,omitempty"`
	TopK  int          `json:"top_k,omitempty"`
	// MinSimilarity overrides the configured floor when set.
	MinSimilarity     *float64     `json:"min_similarity,omitempty"`
	Kinds             []model.Kind `json:"kinds,omitempty"`
	Tags              []string     `json:"tags,omitempty"`
	ExcludeSuperseded bool         `json:"exclude_superseded,omitempty"`
}

// Result is one ranked record.
type Result struct {
	Record *model.Record `json:"record"`
	Score  float64       `json:"score"`
	Tier   model.Tier    `json:"tier"`
}

// Results is the merged, ranked answer. Degraded is set when the query
// could not be embedded and substring matching was used instead.
type Results struct {
	Items    []Result `json:"items"`
	Degraded bool     `json:"degraded"`
}

// Router runs searches over the per-tier indexes and the store.
type Router struct {
	store    Store
	indexes  *index.Set
	embedder Embedder
	enforcer *governance.Enforcer
	access   Toucher
	ledger   *audit.Ledger
	settings atomic.Pointer[Settings]
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithToucher sets the access tracker.
func WithToucher(t Toucher) Option {
	return func(r *Router) { r.access = t }
}

// WithLedger records one read entry per search.
func WithLedger(l *audit.Ledger) Option {
	return func(r *Router) { r.ledger = l }
}

// WithSettings sets the initial tunables.
func WithSettings(s Settings) Option {
	return func(r *Router) { r.settings.Store(&s) }
}

// NewRouter creates a router.
func NewRouter(st Store, indexes *index.Set, emb Embedder, enf *governance.Enforcer, opts ...Option) *Router {
	r := &Router{
		store:    st,
		indexes:  indexes,
		embedder: emb,
		enforcer: enf,
		logger:   slog.Default(),
		now:      time.Now,
	}
	r.settings.Store(&Settings{TopK: 10, MinSimilarity: 0.3, Overfetch: 4})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSettings swaps the tunables.
func (r *Router) SetSettings(s Settings) {
	r.settings.Store(&s)
}

// Search returns the caller-visible records most similar to q.Text. Only
// a malformed query is an error; backend failures degrade the answer.
func (r *Router) Search(ctx context.Context, c governance.Caller, q Query) (*Results, error) {
	start := time.Now()
	if err := validateQuery(q); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	s := *r.settings.Load()
	topK := q.TopK
	if topK <= 0 {
		topK = s.TopK
	}
	minSim := s.MinSimilarity
	if q.MinSimilarity != nil {
		minSim = *q.MinSimilarity
	}
	tiers := q.Tiers
	if len(tiers) == 0 {
		tiers = model.Tiers
	}

	vec, err := r.embedder.Embed(ctx, q.Text)
	var res *Results
	mode := "semantic"
	if err != nil {
		r.logger.Warn("query embedding unavailable, falling back to substring match", "error", err)
		res = r.fallback(ctx, c, q, tiers, topK)
		mode = "fallback"
	} else {
		res = r.semantic(ctx, c, q, vec, tiers, topK*max(s.Overfetch, 1), minSim)
	}

	rank(res.Items)
	if len(res.Items) > topK {
		res.Items = res.Items[:topK]
	}
	for _, it := range res.Items {
		if r.access != nil {
			r.access.Touch(it.Tier, it.Record.ID)
		}
	}
	r.auditSearch(ctx, c, mode, res)
	metrics.SearchLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return res, nil
}

// auditSearch writes a single summary entry naming every returned record.
func (r *Router) auditSearch(ctx context.Context, c governance.Caller, mode string, res *Results) {
	if r.ledger == nil {
		return
	}
	ids := make([]string, len(res.Items))
	for i, it := range res.Items {
		ids[i] = it.Record.ID
	}
	actor := c.Actor()
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	e := r.ledger.Entry(model.OpRead, actor, "", "")
	e.Detail = map[string]any{"decision": "allow", "mode": mode, "returned": len(ids), "ids": ids}
	r.ledger.Record(ctx, e)
}

func validateQuery(q Query) error {
	if strings.TrimSpace(q.Text) == "" {
		return model.NewValidationError("text", "required")
	}
	if q.Scope != "" && !model.ValidScopes[q.Scope] {
		return model.NewValidationError("scope", fmt.Sprintf("unknown scope %q", q.Scope))
	}
	for _, t := range q.Tiers {
		if !t.Valid() {
			return model.NewValidationError("tiers", fmt.Sprintf("unknown tier %q", t))
		}
	}
	if q.MinSimilarity != nil && (*q.MinSimilarity < -1 || *q.MinSimilarity > 1) {
		return model.NewValidationError("min_similarity", "must be within [-1, 1]")
	}
	return nil
}

func (r *Router) semantic(ctx context.Context, c governance.Caller, q Query, vec []float32, tiers []model.Tier, fetch int, minSim float64) *Results {
	res := &Results{}
	now := r.now()
	for _, t := range tiers {
		hits, err := r.indexes.Tier(t).Search(ctx, vec, fetch)
		if err != nil {
			r.logger.Error("index search failed, skipping tier", "tier", t, "error", err)
			continue
		}
		if len(hits) == 0 {
			continue
		}
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		recs, err := r.store.GetMany(ctx, t, ids)
		if err != nil {
			r.logger.Error("hydrate failed, skipping tier", "tier", t, "error", err)
			continue
		}
		for _, h := range hits {
			rec, ok := recs[h.ID]
			if !ok || !r.admit(c, q, rec, now) {
				continue
			}
			sim := h.Similarity
			if len(rec.Embedding) > 0 {
				sim = embedding.CosineSimilarity(vec, rec.Embedding)
			}
			if sim < minSim {
				continue
			}
			res.Items = append(res.Items, Result{Record: rec, Score: sim, Tier: t})
		}
	}
	return res
}

func (r *Router) fallback(ctx context.Context, c governance.Caller, q Query, tiers []model.Tier, topK int) *Results {
	res := &Results{Degraded: true}
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	terms := tokenize(needle)
	if len(terms) == 0 {
		terms = []string{needle}
	}
	now := r.now()
	for _, t := range tiers {
		recs, err := r.store.TextSearch(ctx, t, store.TextParams{
			GroupID: c.GroupID,
			Terms:   append([]string{needle}, terms...),
			Limit:   topK * 10,
		})
		if err != nil {
			r.logger.Error("text search failed, skipping tier", "tier", t, "error", err)
			continue
		}
		for _, rec := range recs {
			if !r.admit(c, q, rec, now) {
				continue
			}
			score := substringScore(needle, terms, rec.Content)
			if score <= 0 {
				continue
			}
			res.Items = append(res.Items, Result{Record: rec, Score: score, Tier: t})
		}
	}
	return res
}

// substringScore is 1.0 for a full match and the fraction of query terms
// present otherwise, scaled by fallbackWeight.
func substringScore(needle string, terms []string, content string) float64 {
	lower := strings.ToLower(content)
	if strings.Contains(lower, needle) {
		return fallbackWeight
	}
	have := make(map[string]bool)
	for _, tok := range tokenize(lower) {
		have[tok] = true
	}
	n := 0
	for _, t := range terms {
		if have[t] {
			n++
		}
	}
	return fallbackWeight * float64(n) / float64(len(terms))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// admit applies the read predicate, scope gating, filters and expiry.
func (r *Router) admit(c governance.Caller, q Query, rec *model.Record, now time.Time) bool {
	if !r.enforcer.CanRead(c, rec) || !governance.Visible(c, q.Scope, rec) {
		return false
	}
	if rec.Expired(now) {
		return false
	}
	if q.ExcludeSuperseded && rec.Superseded {
		return false
	}
	if len(q.Kinds) > 0 && !containsKind(q.Kinds, rec.Kind) {
		return false
	}
	return hasAllTags(rec.Tags, q.Tags)
}

func containsKind(kinds []model.Kind, k model.Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[strings.TrimSpace(t)] {
			return false
		}
	}
	return true
}

// rank orders by score, then importance, then recency, then id.
func rank(items []Result) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Record.Importance != b.Record.Importance {
			return a.Record.Importance > b.Record.Importance
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
}
