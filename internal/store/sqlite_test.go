package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-substrate/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"), Options{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(tier model.Tier, content string) *model.Record {
	rec := &model.Record{
		ID:         NewID(),
		Tier:       tier,
		GroupID:    "g1",
		OwnerID:    "u1",
		Creator:    model.CreatorKernel,
		Source:     "kernel:k1",
		Scope:      model.ScopeUser,
		Kind:       model.KindFact,
		Content:    content,
		Embedding:  []float32{1, 0, 0},
		Importance: 0.5,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if tier.Expiring() {
		exp := testNow.Add(time.Hour)
		rec.ExpiresAt = &exp
	}
	return rec
}

func insert(t *testing.T, s *SQLiteStore, rec *model.Record) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.InsertRecord(context.Background(), rec)
	})
	require.NoError(t, err)
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conf := 0.8
	rec := newRecord(model.TierLong, "the user prefers tabs")
	rec.Confidence = &conf
	rec.Tags = []string{"editor", "style"}
	rec.Metadata = map[string]any{"origin": "chat"}
	insert(t, s, rec)

	got, err := s.Get(ctx, model.TierLong, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "the user prefers tabs", got.Content)
	assert.Equal(t, model.CreatorKernel, got.Creator)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Equal(t, []string{"editor", "style"}, got.Tags)
	assert.Equal(t, "chat", got.Metadata["origin"])
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, 1, got.Version)
	assert.True(t, got.CreatedAt.Equal(testNow))

	found, err := s.Find(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierLong, found.Tier)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Find(context.Background(), "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestTierExpiryConstraints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("short without expiry", func(t *testing.T) {
		rec := newRecord(model.TierShort, "x")
		rec.ExpiresAt = nil
		err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertRecord(ctx, rec) })
		assert.True(t, errors.Is(err, model.ErrStore))
	})

	t.Run("medium expiring at creation", func(t *testing.T) {
		rec := newRecord(model.TierMedium, "x")
		exp := rec.CreatedAt
		rec.ExpiresAt = &exp
		err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertRecord(ctx, rec) })
		assert.Error(t, err)
	})

	t.Run("long with expiry", func(t *testing.T) {
		rec := newRecord(model.TierLong, "x")
		exp := testNow.Add(time.Hour)
		rec.ExpiresAt = &exp
		err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertRecord(ctx, rec) })
		assert.Error(t, err)
	})

	t.Run("unknown creator", func(t *testing.T) {
		rec := newRecord(model.TierLong, "x")
		rec.Creator = "root"
		err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertRecord(ctx, rec) })
		assert.Error(t, err)
	})
}

func TestUpdateRecordVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := newRecord(model.TierMedium, "v1")
	insert(t, s, rec)
	origExpiry := *rec.ExpiresAt

	rec.Content = "v2"
	rec.UpdatedAt = testNow.Add(time.Minute)
	err := s.WithTx(ctx, func(tx *Tx) error { return tx.UpdateRecord(ctx, rec, 1) })
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	stale := *rec
	stale.Content = "v3"
	err = s.WithTx(ctx, func(tx *Tx) error { return tx.UpdateRecord(ctx, &stale, 1) })
	assert.True(t, errors.Is(err, model.ErrConflict))

	got, err := s.Get(ctx, model.TierMedium, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.True(t, got.ExpiresAt.Equal(origExpiry), "updates never move expires_at")
}

func TestRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := newRecord(model.TierLong, "rolled back")
	boom := errors.New("index failed")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRecord(ctx, rec); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, model.TierLong, rec.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := newRecord(model.TierShort, "data")
	insert(t, s, rec)

	err := s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRecord(ctx, model.TierShort, rec.ID) })
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteRecord(ctx, model.TierShort, rec.ID) })
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSweepCutoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := newRecord(model.TierShort, "old")
	insert(t, s, past)
	future := newRecord(model.TierShort, "new")
	exp := testNow.Add(3 * time.Hour)
	future.ExpiresAt = &exp
	insert(t, s, future)

	cutoff := testNow.Add(2 * time.Hour)
	var ids []string
	var n int
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		if ids, err = tx.ExpiredIDs(ctx, model.TierShort, cutoff); err != nil {
			return err
		}
		if n, err = tx.DeleteExpired(ctx, model.TierShort, cutoff); err != nil {
			return err
		}
		return tx.InsertSweepRun(ctx, SweepRun{Tier: model.TierShort, SweptAt: cutoff, Cutoff: cutoff, Count: n})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{past.ID}, ids)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, model.TierShort, future.ID)
	assert.NoError(t, err)

	run, err := s.LastSweep(ctx, model.TierShort)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Count)

	_, err = s.LastSweep(ctx, model.TierMedium)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestAuditAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := &model.AuditEntry{
		ID: "a1", Operation: model.OpWrite, Tier: model.TierLong, RecordID: "r1",
		CallerID: "k1", CallerClass: "kernel", Status: model.AuditSuccess,
		Detail: map[string]any{"creator": "kernel"}, Timestamp: testNow,
	}
	require.NoError(t, s.InsertAudit(ctx, e))

	_, err := s.db.ExecContext(ctx, `UPDATE audit_log SET status = 'failure' WHERE id = 'a1'`)
	assert.Error(t, err)
	_, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = 'a1'`)
	assert.Error(t, err)

	entries, err := s.QueryAudit(ctx, AuditQuery{RecordID: "r1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditSuccess, entries[0].Status)
	assert.Equal(t, "kernel", entries[0].Detail["creator"])
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := newRecord(model.TierLong, "a")
	a.Importance = 0.4
	b := newRecord(model.TierLong, "b")
	b.Importance = 0.8
	b.Degraded = true
	b.Embedding = nil
	insert(t, s, a)
	insert(t, s, b)
	insert(t, s, newRecord(model.TierShort, "c"))

	st, err := s.Stats(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, st.Tiers, 3)

	long := st.Tiers[2]
	assert.Equal(t, model.TierLong, long.Tier)
	assert.Equal(t, 2, long.Count)
	assert.InDelta(t, 0.6, long.AvgImportance, 1e-9)
	assert.Equal(t, 2, long.Last24h)
	assert.Equal(t, 1, long.Degraded)
	assert.Equal(t, 1, st.Tiers[0].Count)
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := NewSQLiteStore(dbPath, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected db file to be created")
	}
}
