package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-substrate/internal/model"
)

func insertEdge(s *SQLiteStore, rel model.Relationship) error {
	ctx := context.Background()
	return s.WithTx(ctx, func(tx *Tx) error { return tx.InsertRelationship(ctx, rel) })
}

func TestRelationshipCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newRecord(model.TierLong, "memory a")
	b := newRecord(model.TierLong, "memory b")
	insert(t, s, a)
	insert(t, s, b)

	err := insertEdge(s, model.Relationship{FromID: a.ID, ToID: b.ID, Type: model.RelSupersedes, Strength: 0.95, CreatedAt: testNow})
	require.NoError(t, err)

	rels, err := s.Relationships(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, model.RelSupersedes, rels[0].Type)
	assert.InDelta(t, 0.95, rels[0].Strength, 1e-9)

	var guarded bool
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		guarded, err = tx.HasSupersedesEdge(ctx, b.ID)
		return err
	})
	require.NoError(t, err)
	assert.True(t, guarded)
}

func TestRelationshipDuplicate(t *testing.T) {
	s := newTestStore(t)

	a := newRecord(model.TierLong, "memory a")
	b := newRecord(model.TierLong, "memory b")
	insert(t, s, a)
	insert(t, s, b)

	rel := model.Relationship{FromID: a.ID, ToID: b.ID, Type: model.RelRelated, Strength: 0.5, CreatedAt: testNow}
	require.NoError(t, insertEdge(s, rel))
	assert.True(t, errors.Is(insertEdge(s, rel), model.ErrConflict))
}

func TestRelationshipInvalid(t *testing.T) {
	s := newTestStore(t)

	a := newRecord(model.TierLong, "memory a")
	insert(t, s, a)

	err := insertEdge(s, model.Relationship{FromID: a.ID, ToID: a.ID, Type: model.RelRelated})
	assert.True(t, errors.Is(err, model.ErrValidation), "self-loop")

	err = insertEdge(s, model.Relationship{FromID: a.ID, ToID: "other", Type: "depends_on"})
	assert.True(t, errors.Is(err, model.ErrValidation), "unknown type")
}

func TestRelationshipCascadesOnDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newRecord(model.TierLong, "memory a")
	b := newRecord(model.TierLong, "memory b")
	insert(t, s, a)
	insert(t, s, b)
	require.NoError(t, insertEdge(s, model.Relationship{FromID: a.ID, ToID: b.ID, Type: model.RelElaborates, CreatedAt: testNow}))

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRecord(ctx, model.TierLong, a.ID) }))

	rels, err := s.Relationships(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, rels)
}
