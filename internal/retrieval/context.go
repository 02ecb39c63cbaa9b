package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/model"
)

// ContextQuery holds parameters for context assembly.
type ContextQuery struct {
	Query
	Budget int `json:"budget"` // max tokens in output (rough: 1 token ≈ 4 chars)
}

// ContextMemory is a scored memory for context output.
type ContextMemory struct {
	ID      string     `json:"id"`
	Tier    model.Tier `json:"tier"`
	Kind    model.Kind `json:"kind"`
	Content string     `json:"content"`
	Score   float64    `json:"score"`
	Excerpt bool       `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
	Degraded bool            `json:"degraded,omitempty"`
	Memories []ContextMemory `json:"memories"`
}

// Context assembles the most relevant visible memories within a token budget.
func (r *Router) Context(ctx context.Context, c governance.Caller, q ContextQuery) (*ContextResult, error) {
	budget := q.Budget
	if budget <= 0 {
		budget = 4000
	}
	charBudget := budget * 4

	search := q.Query
	if search.TopK <= 0 {
		search.TopK = 50
	}
	res, err := r.Search(ctx, c, search)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	result := &ContextResult{Budget: budget, Degraded: res.Degraded, Memories: []ContextMemory{}}
	if len(res.Items) == 0 {
		return result, nil
	}

	now := r.now()
	type scored struct {
		item  Result
		score float64
	}
	candidates := make([]scored, 0, len(res.Items))
	for _, it := range res.Items {
		m := it.Record

		// Recency: exponential decay over days since last update.
		age := now.Sub(m.UpdatedAt).Hours() / 24.0
		recency := math.Exp(-0.1 * math.Max(age, 0))

		accessFreq := 0.0
		if m.AccessCount > 0 {
			accessFreq = math.Min(math.Log(float64(m.AccessCount)+1)/math.Log(100), 1)
		}

		score := it.Score*0.4 + recency*0.2 + m.Importance*0.2 + accessFreq*0.2
		candidates = append(candidates, scored{item: it, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	// Greedy packing into budget
	used := 0
	for _, cand := range candidates {
		m := cand.item.Record
		mem := ContextMemory{
			ID:    m.ID,
			Tier:  cand.item.Tier,
			Kind:  m.Kind,
			Score: math.Round(cand.score*100) / 100,
		}
		if used+len(m.Content) <= charBudget {
			mem.Content = m.Content
			result.Memories = append(result.Memories, mem)
			used += len(m.Content)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			mem.Content = excerpt(m.Content, remaining) + "..."
			mem.Excerpt = true
			result.Memories = append(result.Memories, mem)
			used += remaining
		}
		break
	}

	result.Used = used / 4
	return result, nil
}

// excerpt cuts s to at most n bytes without splitting a UTF-8 sequence.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
