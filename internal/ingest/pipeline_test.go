package ingest

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/embedding"
	"github.com/rcliao/memory-substrate/internal/embedding/mock"
	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingTouches struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTouches) Touch(_ model.Tier, id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

type harness struct {
	p       *Pipeline
	store   *store.SQLiteStore
	indexes *index.Set
	emb     *mock.MockEmbedder
	clock   *testClock
	touches *recordingTouches
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), store.Options{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	indexes, err := index.NewSet(index.Options{Backend: "hnsw"})
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	emb := mock.New(64)
	touches := &recordingTouches{}
	p := New(st, indexes,
		embedding.NewBounded(emb, 500*time.Millisecond, 0),
		governance.NewEnforcer(),
		audit.NewLedger(st, audit.WithClock(clock.Now)),
		WithClock(clock.Now),
		WithTierLimits(testLimits),
		WithAccessRecorder(touches),
	)
	return &harness{p: p, store: st, indexes: indexes, emb: emb, clock: clock, touches: touches}
}

var (
	kernel  = governance.Caller{ID: "k1", Class: governance.ClassKernel, GroupID: "g1", OwnerID: "u1"}
	console = governance.Caller{ID: "c1", Class: governance.ClassConsole, GroupID: "g1", OwnerID: "u1"}
	outside = governance.Caller{ID: "k2", Class: governance.ClassKernel, GroupID: "g2", OwnerID: "u9"}
)

func fact(content string) Input {
	return Input{Content: content, Kind: model.KindFact, OwnerID: "u1"}
}

func TestWrite_LongTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := fact("the user prefers dark roast coffee")
	in.Creator = "system"
	in.Source = "forged"
	res, err := h.p.Write(ctx, kernel, in)
	require.NoError(t, err)
	assert.Equal(t, model.TierLong, res.Tier)
	assert.False(t, res.Degraded)

	rec, err := h.store.Get(ctx, model.TierLong, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CreatorKernel, rec.Creator, "creator is assigned from the caller class")
	assert.Equal(t, "kernel:k1", rec.Source)
	assert.Equal(t, "g1", rec.GroupID)
	assert.Equal(t, model.ScopeUser, rec.Scope)
	assert.Equal(t, 0.5, rec.Importance)
	assert.Nil(t, rec.ExpiresAt)
	assert.NotEmpty(t, rec.Embedding)
	assert.Equal(t, 1, h.indexes.Tier(model.TierLong).Len())

	trail, err := h.store.Trail(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, model.OpWrite, trail[0].Operation)
	assert.Equal(t, model.AuditSuccess, trail[0].Status)
	assert.Equal(t, "k1", trail[0].CallerID)
	assert.Equal(t, "kernel", trail[0].Detail["creator"])
}

func TestWrite_ExpiringTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	in := Input{Content: "currently debugging the parser", Kind: model.KindContext, OwnerID: "u1", TTL: 2 * time.Hour}
	res, err := h.p.Write(ctx, console, in)
	require.NoError(t, err)
	assert.Equal(t, model.TierShort, res.Tier)

	rec, err := h.store.Get(ctx, model.TierShort, res.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(h.clock.Now().Add(2*time.Hour)))
	assert.Equal(t, model.CreatorConsole, rec.Creator)
}

func TestWrite_DegradedWhenEmbedderFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.emb.SetError(errors.New("provider down"))

	res, err := h.p.Write(ctx, kernel, fact("remember the build flags"))
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	rec, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Nil(t, rec.Embedding)
	assert.Equal(t, 0, h.indexes.Tier(res.Tier).Len())
}

func TestWrite_DegradedWhenEmbedderTimesOut(t *testing.T) {
	h := newHarness(t)
	h.emb.SetDelay(5 * time.Second)

	start := time.Now()
	res, err := h.p.Write(context.Background(), kernel, fact("slow provider"))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWrite_CancelledCallerStillCommitsAtomically(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.p.Write(ctx, kernel, fact("written after cancel"))
	require.NoError(t, err)

	_, err = h.store.Get(context.Background(), res.Tier, res.ID)
	require.NoError(t, err)
	trail, err := h.store.Trail(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestWrite_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	nan := math.NaN()

	tests := []struct {
		name string
		in   Input
	}{
		{"empty content", Input{Content: "  ", Kind: model.KindFact, OwnerID: "u1"}},
		{"missing owner", Input{Content: "x", Kind: model.KindFact}},
		{"missing kind", Input{Content: "x", OwnerID: "u1"}},
		{"unknown kind", Input{Content: "x", Kind: "rumor", OwnerID: "u1"}},
		{"unknown scope", Input{Content: "x", Kind: model.KindFact, OwnerID: "u1", Scope: "team"}},
		{"project scope without project", Input{Content: "x", Kind: model.KindFact, OwnerID: "u1", Scope: model.ScopeProject}},
		{"nan importance", Input{Content: "x", Kind: model.KindFact, OwnerID: "u1", Importance: &nan}},
		{"ambiguous tier", Input{Content: "x", Kind: model.KindFact, OwnerID: "u1", Tier: model.TierLong, TTL: time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.Write(ctx, kernel, tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrValidation), "got %v", err)
		})
	}

	failures, err := h.store.QueryAudit(ctx, store.AuditQuery{Operation: model.OpWrite, Status: model.AuditFailure})
	require.NoError(t, err)
	assert.Len(t, failures, len(tests), "every rejected write is audited")

	stats, err := h.store.Stats(ctx, h.clock.Now())
	require.NoError(t, err)
	for _, ts := range stats.Tiers {
		assert.Zero(t, ts.Count)
	}
}

func TestWrite_ClampsScores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	imp, conf := 3.0, -1.0
	in := fact("clamped")
	in.Importance = &imp
	in.Confidence = &conf
	in.Tags = []string{" b", "a", "b", ""}

	res, err := h.p.Write(ctx, kernel, in)
	require.NoError(t, err)
	rec, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Importance)
	require.NotNil(t, rec.Confidence)
	assert.Equal(t, 0.0, *rec.Confidence)
	assert.Equal(t, []string{"a", "b"}, rec.Tags)
}

func TestWrite_UnauthenticatedDenied(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Write(context.Background(), governance.Caller{Class: governance.ClassKernel}, fact("nope"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))
}

func TestUpdate_ConsoleCannotModifyKernelRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, kernel, fact("kernel knowledge"))
	require.NoError(t, err)

	content := "console rewrite"
	_, err = h.p.Update(ctx, console, res.ID, Patch{Content: &content})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))

	err = h.p.Delete(ctx, console, res.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))

	rec, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "kernel knowledge", rec.Content)
	assert.Equal(t, 1, rec.Version)

	trail, err := h.store.Trail(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, model.AuditFailure, trail[1].Status)
	assert.Equal(t, model.OpUpdate, trail[1].Operation)
	assert.Equal(t, "c1", trail[1].CallerID)
	assert.Equal(t, model.OpDelete, trail[2].Operation)
	assert.Equal(t, model.AuditFailure, trail[2].Status)
}

func TestUpdate_OwnerRewritesContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, console, fact("likes tea"))
	require.NoError(t, err)
	before, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	content := "likes green tea in the morning"
	imp := 0.9
	rec, err := h.p.Update(ctx, console, res.ID, Patch{Content: &content, Importance: &imp, Tags: []string{"drink"}})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	stored, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)
	assert.Equal(t, content, stored.Content)
	assert.Equal(t, 0.9, stored.Importance)
	assert.Equal(t, []string{"drink"}, stored.Tags)
	assert.Equal(t, 2, stored.Version)
	assert.NotEqual(t, before.Embedding, stored.Embedding)
	assert.Equal(t, model.CreatorConsole, stored.Creator, "update never changes the creator")

	hits, err := h.indexes.Tier(res.Tier).Search(ctx, stored.Embedding, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.ID, hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)
}

func TestUpdate_KernelMayModifyConsoleRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, console, fact("console note"))
	require.NoError(t, err)
	scope := model.ScopeGlobal
	_, err = h.p.Update(ctx, kernel, res.ID, Patch{Scope: &scope})
	require.NoError(t, err)

	rec, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeGlobal, rec.Scope)
}

func TestUpdate_Missing(t *testing.T) {
	h := newHarness(t)
	content := "x"
	_, err := h.p.Update(context.Background(), kernel, "nope", Patch{Content: &content})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestWrite_SubMillisecondTTLRejectedAndAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.Write(ctx, kernel, Input{Content: "blink", Kind: model.KindContext, OwnerID: "u1", TTL: 500 * time.Microsecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.False(t, model.IsRetryable(err))

	failures, err := h.store.QueryAudit(ctx, store.AuditQuery{Operation: model.OpWrite, Status: model.AuditFailure})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Reason, "ttl")
}

func TestUpdate_ProjectScopeWithoutProjectRejectedAndAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, kernel, fact("no project here"))
	require.NoError(t, err)

	scope := model.ScopeProject
	_, err = h.p.Update(ctx, kernel, res.ID, Patch{Scope: &scope})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.False(t, model.IsRetryable(err))

	rec, err := h.store.Get(ctx, res.Tier, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeUser, rec.Scope)
	assert.Equal(t, 1, rec.Version)

	trail, err := h.store.Trail(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.OpUpdate, trail[1].Operation)
	assert.Equal(t, model.AuditFailure, trail[1].Status)
	assert.Contains(t, trail[1].Reason, "validation")
}

func TestUpdate_ExpiredRecordAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, kernel, Input{Content: "fleeting", Kind: model.KindContext, OwnerID: "u1", TTL: time.Hour})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)

	content := "too late"
	_, err = h.p.Update(ctx, kernel, res.ID, Patch{Content: &content})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	trail, err := h.store.Trail(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.AuditFailure, trail[1].Status)
	assert.Equal(t, "not found: expired", trail[1].Reason)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, kernel, fact("temporary fact"))
	require.NoError(t, err)
	require.NoError(t, h.p.Delete(ctx, kernel, res.ID))

	_, err = h.store.Find(ctx, res.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, 0, h.indexes.Tier(res.Tier).Len())

	trail, err := h.store.Trail(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.OpDelete, trail[1].Operation)
	assert.Equal(t, model.AuditSuccess, trail[1].Status)
}

func TestGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.p.Write(ctx, kernel, Input{Content: "short lived", Kind: model.KindContext, OwnerID: "u1", TTL: time.Hour})
	require.NoError(t, err)

	rec, err := h.p.Get(ctx, console, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "short lived", rec.Content)
	assert.Equal(t, []string{res.ID}, h.touches.ids)

	trail, err := h.store.Trail(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.OpRead, trail[1].Operation)
	assert.Equal(t, model.AuditSuccess, trail[1].Status)
	assert.Equal(t, "c1", trail[1].CallerID)

	_, err = h.p.Get(ctx, outside, res.ID)
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))

	h.clock.Advance(2 * time.Hour)
	_, err = h.p.Get(ctx, kernel, res.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound), "expired records are invisible before the sweep runs")
}

func TestSetTierLimits(t *testing.T) {
	h := newHarness(t)
	h.p.SetTierLimits(TierLimits{
		ShortDefault: time.Minute, ShortMax: time.Hour,
		MediumDefault: 2 * time.Hour, MediumMax: 3 * time.Hour,
	})
	res, err := h.p.Write(context.Background(), kernel,
		Input{Content: "reloaded policy", Kind: model.KindFact, OwnerID: "u1", TTL: 2 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, model.TierMedium, res.Tier)
}
