package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-substrate/internal/model"
)

// TextParams holds parameters for the substring fallback search.
type TextParams struct {
	GroupID string
	Terms   []string // OR-matched against content, case-insensitive
	Limit   int
}

// TextSearch finds records in tier whose content contains any of the terms.
// It backs retrieval when the query cannot be embedded.
func (s *SQLiteStore) TextSearch(ctx context.Context, tier model.Tier, p TextParams) ([]*model.Record, error) {
	pol, err := PolicyFor(tier)
	if err != nil {
		return nil, err
	}
	if len(p.Terms) == 0 {
		return nil, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{"group_id = ?"}
	args := []any{p.GroupID}
	var match []string
	for _, term := range p.Terms {
		match = append(match, "lower(content) LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	where = append(where, "("+strings.Join(match, " OR ")+")")

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY updated_at DESC LIMIT ?`,
		recordColumns, pol.Table, strings.Join(where, " AND "))
	args = append(args, limit)

	return s.queryRecords(ctx, tier, query, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DecayCandidates returns up to limit long-tier records untouched since
// cutoff whose importance is still above floor, ordered by id and starting
// after the id cursor. An empty cursor starts from the beginning.
func (s *SQLiteStore) DecayCandidates(ctx context.Context, cutoff time.Time, floor float64, after string, limit int) ([]*model.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryRecords(ctx, model.TierLong,
		fmt.Sprintf(`SELECT %s FROM memories_long
			WHERE coalesce(last_accessed_at, created_at) < ? AND importance > ? AND id > ?
			ORDER BY id LIMIT ?`, recordColumns),
		toMS(cutoff), floor, after, limit)
}

// CompoundCandidates returns embedded, non-superseded long-tier records.
func (s *SQLiteStore) CompoundCandidates(ctx context.Context) ([]*model.Record, error) {
	return s.queryRecords(ctx, model.TierLong,
		fmt.Sprintf(`SELECT %s FROM memories_long
			WHERE embedding IS NOT NULL AND degraded = 0 AND superseded = 0
			ORDER BY id`, recordColumns))
}

// Degraded returns up to limit records in tier that lack an embedding.
func (s *SQLiteStore) Degraded(ctx context.Context, tier model.Tier, limit int) ([]*model.Record, error) {
	pol, err := PolicyFor(tier)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.queryRecords(ctx, tier,
		fmt.Sprintf(`SELECT %s FROM %s WHERE degraded = 1 ORDER BY created_at LIMIT ?`, recordColumns, pol.Table),
		limit)
}

// ScanEmbeddings calls fn for every embedded record in tier.
func (s *SQLiteStore) ScanEmbeddings(ctx context.Context, tier model.Tier, fn func(id string, vec []float32) error) error {
	pol, err := PolicyFor(tier)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, embedding FROM %s WHERE embedding IS NOT NULL AND degraded = 0`, pol.Table))
	if err != nil {
		return model.NewStoreError("scan embeddings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			return model.NewStoreError("scan embedding", err)
		}
		vec := decodeVector(raw)
		if len(vec) == 0 {
			continue
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Touch records accesses: count is added to access_count and
// last_accessed_at is set to at. Missing ids are ignored.
func (s *SQLiteStore) Touch(ctx context.Context, tier model.Tier, counts map[string]int, at time.Time) error {
	if len(counts) == 0 {
		return nil
	}
	pol, err := PolicyFor(tier)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareContext(ctx,
			fmt.Sprintf(`UPDATE %s SET access_count = access_count + ?, last_accessed_at = ? WHERE id = ?`, pol.Table))
		if err != nil {
			return model.NewStoreError("prepare touch", err)
		}
		defer stmt.Close()
		for id, n := range counts {
			if _, err := stmt.ExecContext(ctx, n, toMS(at), id); err != nil {
				return model.NewStoreError("touch", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) queryRecords(ctx context.Context, tier model.Tier, query string, args ...any) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("query records", err)
	}
	defer rows.Close()

	var out []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows, tier)
		if err != nil {
			return nil, model.NewStoreError("scan record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
