package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memory-substrate/internal/model"
)

// InsertRelationship creates an edge between two long-tier records.
// Self-loops and unknown types are rejected; a duplicate (from, to, type)
// is a conflict.
func (t *Tx) InsertRelationship(ctx context.Context, rel model.Relationship) error {
	if !model.ValidRelations[rel.Type] {
		return model.NewValidationError("type", fmt.Sprintf("invalid relation %q", rel.Type))
	}
	if rel.FromID == rel.ToID {
		return model.NewValidationError("to_id", "relationship cannot point at itself")
	}
	rel.Strength = model.Clamp01(rel.Strength)

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO memory_relationships (from_id, to_id, type, strength, created_at) VALUES (?, ?, ?, ?, ?)`,
		rel.FromID, rel.ToID, string(rel.Type), rel.Strength, toMS(rel.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("insert relationship: %w", model.ErrConflict)
		}
		return model.NewStoreError("insert relationship", err)
	}
	return nil
}

// HasSupersedesEdge reports whether any supersedes edge points at one of ids.
func (t *Tx) HasSupersedesEdge(ctx context.Context, ids ...string) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{string(model.RelSupersedes)}
	for _, id := range ids {
		args = append(args, id)
	}
	var n int
	err := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM memory_relationships WHERE type = ? AND to_id IN (%s)`, placeholders),
		args...).Scan(&n)
	if err != nil {
		return false, model.NewStoreError("supersedes guard", err)
	}
	return n > 0, nil
}

// Relationships returns all edges touching id.
func (s *SQLiteStore) Relationships(ctx context.Context, id string) ([]model.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, type, strength, created_at FROM memory_relationships
		 WHERE from_id = ? OR to_id = ? ORDER BY created_at, from_id, to_id`, id, id)
	if err != nil {
		return nil, model.NewStoreError("relationships", err)
	}
	defer rows.Close()

	var rels []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var typ string
		var at int64
		if err := rows.Scan(&r.FromID, &r.ToID, &typ, &r.Strength, &at); err != nil {
			return nil, model.NewStoreError("scan relationship", err)
		}
		r.Type = model.RelationType(typ)
		r.CreatedAt = fromMS(at)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
