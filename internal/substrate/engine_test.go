package substrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/embedding/mock"
	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/ingest"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/notify"
	"github.com/rcliao/memory-substrate/internal/retrieval"
	"github.com/rcliao/memory-substrate/internal/store"
)

const dims = 64

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedEmbedder returns fixed vectors for known texts and falls back to
// the bag-of-words mock for everything else.
type scriptedEmbedder struct {
	*mock.MockEmbedder
	mu      sync.Mutex
	vectors map[string][]float32
}

func (s *scriptedEmbedder) script(text string, vec []float32) {
	s.mu.Lock()
	s.vectors[text] = vec
	s.mu.Unlock()
}

func (s *scriptedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	vec, ok := s.vectors[text]
	s.mu.Unlock()
	out, err := s.MockEmbedder.Embed(ctx, text)
	if err != nil || !ok {
		return out, err
	}
	return vec, nil
}

type collectingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *collectingSink) Send(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

type env struct {
	engine *Engine
	emb    *scriptedEmbedder
	clock  *clock
	sink   *collectingSink
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "memory.db")
	cfg.Embedding.Timeout = 300 * time.Millisecond
	cfg.Embedding.CacheTTL = 0
	cfg.Backfill.RatePerSecond = 1000
	cfg.Callers = []config.CallerConfig{
		{Key: "kernel-key", ID: "kernel-1", Class: "kernel", Group: "home", OwnerID: "u1"},
		{Key: "console-u1", ID: "console-1", Class: "console", Group: "home", OwnerID: "u1"},
		{Key: "console-u2", ID: "console-2", Class: "console", Group: "home", OwnerID: "u2"},
	}

	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	emb := &scriptedEmbedder{MockEmbedder: mock.New(dims), vectors: make(map[string][]float32)}
	sink := &collectingSink{}
	e, err := New(context.Background(), cfg, WithClock(c.Now), WithEmbedder(emb), WithSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &env{engine: e, emb: emb, clock: c, sink: sink}
}

func (v *env) caller(t *testing.T, key string) governance.Caller {
	t.Helper()
	c, err := v.engine.Authenticate(key)
	require.NoError(t, err)
	return c
}

func unit(i int) []float32 {
	v := make([]float32, dims)
	v[i] = 1
	return v
}

func TestAuthenticate(t *testing.T) {
	v := newEnv(t)
	c := v.caller(t, "console-u1")
	assert.Equal(t, governance.ClassConsole, c.Class)
	assert.Equal(t, "home", c.GroupID)

	_, err := v.engine.Authenticate("guess")
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))
}

func TestExpiryAlwaysAfterCreation(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")

	var ids []string
	for _, in := range []ingest.Input{
		{Content: "scratch note", Kind: model.KindContext, OwnerID: "u1"},
		{Content: "one hour note", Kind: model.KindFact, OwnerID: "u1", TTL: time.Hour},
		{Content: "observation", Kind: model.KindObservation, OwnerID: "u1"},
	} {
		res, err := v.engine.Write(ctx, kernel, in)
		require.NoError(t, err)
		require.True(t, res.Tier.Expiring())
		ids = append(ids, res.ID)
	}

	v.clock.Advance(time.Minute)
	content := "rewritten"
	for _, id := range ids {
		_, err := v.engine.Update(ctx, kernel, id, ingest.Patch{Content: &content})
		require.NoError(t, err)
		rec, err := v.engine.Store().Find(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, rec.ExpiresAt)
		assert.True(t, rec.ExpiresAt.After(rec.CreatedAt))
	}
}

func TestCreatorCannotBeForged(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	console := v.caller(t, "console-u1")

	for _, forged := range []string{"kernel", "system", "KERNEL", ""} {
		res, err := v.engine.Write(ctx, console, ingest.Input{
			Content: "forged " + forged, Kind: model.KindFact, OwnerID: "u1", Creator: forged, Source: "kernel:root",
		})
		require.NoError(t, err)
		rec, err := v.engine.Store().Find(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CreatorConsole, rec.Creator)
		assert.Equal(t, "console:console-1", rec.Source)
		assert.True(t, model.ValidCreators[rec.Creator])
	}
}

func TestRestrictedDeleteOfForeignRecordDenied(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")
	console := v.caller(t, "console-u1")

	res, err := v.engine.Write(ctx, kernel, ingest.Input{Content: "kernel memory", Kind: model.KindFact, OwnerID: "u1"})
	require.NoError(t, err)
	before, err := v.engine.Store().Find(ctx, res.ID)
	require.NoError(t, err)

	err = v.engine.Delete(ctx, console, res.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))

	after, err := v.engine.Store().Find(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Content, after.Content)

	trail, err := v.engine.AuditTrail(ctx, kernel, res.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, model.AuditFailure, trail[1].Status)
	assert.Equal(t, model.OpDelete, trail[1].Operation)
}

func TestDecayMonotonicAndFloored(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")

	imp := 0.9
	res, err := v.engine.Write(ctx, kernel, ingest.Input{Content: "old preference", Kind: model.KindPreference, OwnerID: "u1", Importance: &imp})
	require.NoError(t, err)

	v.clock.Advance(30 * 24 * time.Hour)
	prev := imp
	for i := 0; i < 60; i++ {
		_, err := v.engine.RunDecay(ctx)
		require.NoError(t, err)
		rec, err := v.engine.Store().Find(ctx, res.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, rec.Importance, prev)
		assert.GreaterOrEqual(t, rec.Importance, 0.05)
		prev = rec.Importance
	}
	rec, err := v.engine.Store().Find(ctx, res.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, rec.Importance, 1e-9)
	assert.True(t, rec.ReviewFlagged)
}

func TestCompoundingScenarioAndIdempotence(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")

	c2vec := unit(0)
	c2vec[0], c2vec[1] = 0.95, 0.3122499
	v.emb.script("prefers aisle seats on flights", unit(0))
	v.emb.script("prefers aisle seats on long flights", c2vec)
	v.emb.script("owns a bicycle", unit(5))

	c1, err := v.engine.Write(ctx, kernel, ingest.Input{Content: "prefers aisle seats on flights", Kind: model.KindPreference, OwnerID: "u1"})
	require.NoError(t, err)
	c2, err := v.engine.Write(ctx, kernel, ingest.Input{Content: "prefers aisle seats on long flights", Kind: model.KindPreference, OwnerID: "u1"})
	require.NoError(t, err)
	_, err = v.engine.Write(ctx, kernel, ingest.Input{Content: "owns a bicycle", Kind: model.KindFact, OwnerID: "u1"})
	require.NoError(t, err)

	report, err := v.engine.RunCompounding(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Merged)
	c3 := report.Created[0]

	rels, err := v.engine.Relationships(ctx, kernel, c3)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	targets := []string{rels[0].ToID, rels[1].ToID}
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, targets)
	for _, rel := range rels {
		assert.Equal(t, model.RelSupersedes, rel.Type)
		assert.InDelta(t, 0.95, rel.Strength, 1e-3)
	}

	for _, id := range []string{c1.ID, c2.ID} {
		rec, err := v.engine.Get(ctx, kernel, id)
		require.NoError(t, err, "superseded records stay queryable")
		assert.True(t, rec.Superseded)
		assert.Equal(t, c3, rec.SupersededBy)
	}
	merged, err := v.engine.Get(ctx, kernel, c3)
	require.NoError(t, err)
	assert.Equal(t, model.CreatorSystem, merged.Creator)

	statsBefore, err := v.engine.Stats(ctx)
	require.NoError(t, err)

	report, err = v.engine.RunCompounding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Merged)

	statsAfter, err := v.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, statsBefore.Relationships, statsAfter.Relationships)
	assert.Equal(t, tierCount(statsBefore.Tiers, model.TierLong), tierCount(statsAfter.Tiers, model.TierLong))
}

func TestSweepNeverDeletesFutureExpiry(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")

	var expired []string
	for i := 0; i < 5; i++ {
		res, err := v.engine.Write(ctx, kernel, ingest.Input{
			Content: fmt.Sprintf("soon gone %d", i), Kind: model.KindContext, OwnerID: "u1", TTL: time.Hour,
		})
		require.NoError(t, err)
		expired = append(expired, res.ID)
	}
	v.clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	fresh := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := v.engine.Write(ctx, kernel, ingest.Input{
				Content: fmt.Sprintf("still valid %d", i), Kind: model.KindContext, OwnerID: "u1", TTL: time.Minute,
			})
			if assert.NoError(t, err) {
				fresh <- res.ID
			}
		}(i)
	}
	counts, err := v.engine.SweepExpired(ctx)
	require.NoError(t, err)
	wg.Wait()
	close(fresh)

	assert.Equal(t, 5, counts[model.TierShort])
	for _, id := range expired {
		_, err := v.engine.Store().Find(ctx, id)
		assert.True(t, errors.Is(err, model.ErrNotFound))
	}
	n := 0
	for id := range fresh {
		_, err := v.engine.Store().Find(ctx, id)
		assert.NoError(t, err)
		n++
	}
	assert.Equal(t, 20, n)

	run, err := v.engine.LastSweep(ctx, model.TierShort)
	require.NoError(t, err)
	assert.Equal(t, 5, run.Count)
}

func TestWriteThenSearchRoundTrip(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")

	contents := []string{
		"the staging database lives in us-east-1",
		"lunch is usually at noon",
		"the cat is named miso",
	}
	var target string
	for i, c := range contents {
		res, err := v.engine.Write(ctx, kernel, ingest.Input{Content: c, Kind: model.KindFact, OwnerID: "u1"})
		require.NoError(t, err)
		if i == 0 {
			target = res.ID
		}
	}

	res, err := v.engine.Search(ctx, kernel, retrieval.Query{Text: contents[0]})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, target, res.Items[0].Record.ID)
	assert.GreaterOrEqual(t, res.Items[0].Score, 0.3)
}

func TestOwnershipAndScopeScenario(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")
	consoleU1 := v.caller(t, "console-u1")
	consoleU2 := v.caller(t, "console-u2")

	a, err := v.engine.Write(ctx, consoleU1, ingest.Input{Content: "u1 private reminder about dentist", Kind: model.KindFact, OwnerID: "u1"})
	require.NoError(t, err)

	content := "u1 private reminder about dentist on friday"
	_, err = v.engine.Update(ctx, consoleU1, a.ID, ingest.Patch{Content: &content})
	require.NoError(t, err, "restricted caller may update its own record")

	res, err := v.engine.Search(ctx, consoleU2, retrieval.Query{Text: content, Scope: model.ScopeUser})
	require.NoError(t, err)
	assert.Empty(t, res.Items, "user-scoped records are invisible to other owners")

	global := model.ScopeGlobal
	_, err = v.engine.Update(ctx, consoleU1, a.ID, ingest.Patch{Scope: &global})
	require.NoError(t, err)
	res, err = v.engine.Search(ctx, consoleU2, retrieval.Query{Text: content, Scope: model.ScopeGlobal})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, a.ID, res.Items[0].Record.ID)

	require.NoError(t, v.engine.Delete(ctx, kernel, a.ID), "privileged caller may delete")
	_, err = v.engine.Get(ctx, consoleU1, a.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	trail, err := v.engine.AuditTrail(ctx, kernel, a.ID)
	require.NoError(t, err)
	ops := make([]string, len(trail))
	for i, e := range trail {
		ops[i] = e.Operation
	}
	assert.Equal(t, []string{model.OpWrite, model.OpUpdate, model.OpUpdate, model.OpDelete}, ops)

	_, err = v.engine.AuditTrail(ctx, consoleU1, a.ID)
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))
}

func TestDegradedWriteScenario(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")

	v.emb.SetDelay(2 * time.Second)
	b, err := v.engine.Write(ctx, kernel, ingest.Input{Content: "garage code is 4417", Kind: model.KindFact, OwnerID: "u1"})
	require.NoError(t, err)
	assert.True(t, b.Degraded)

	// Still down: substring fallback finds it.
	res, err := v.engine.Search(ctx, kernel, retrieval.Query{Text: "garage code"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Items, 1)
	assert.Equal(t, b.ID, res.Items[0].Record.ID)

	// Provider back: not in similarity results until backfilled.
	v.emb.SetDelay(0)
	res, err = v.engine.Search(ctx, kernel, retrieval.Query{Text: "garage code is 4417"})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Items)

	report, err := v.engine.RunBackfill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Embedded)

	res, err = v.engine.Search(ctx, kernel, retrieval.Query{Text: "garage code is 4417"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, b.ID, res.Items[0].Record.ID)
}

func TestStatsAndNotifications(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()
	kernel := v.caller(t, "kernel-key")
	v.engine.Start(ctx)

	for _, in := range []ingest.Input{
		{Content: "short one", Kind: model.KindContext, OwnerID: "u1"},
		{Content: "medium one", Kind: model.KindError, OwnerID: "u1"},
		{Content: "long one", Kind: model.KindFact, OwnerID: "u1"},
		{Content: "long two", Kind: model.KindDecision, OwnerID: "u1"},
	} {
		_, err := v.engine.Write(ctx, kernel, in)
		require.NoError(t, err)
	}

	stats, err := v.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tierCount(stats.Tiers, model.TierShort))
	assert.Equal(t, 1, tierCount(stats.Tiers, model.TierMedium))
	assert.Equal(t, 2, tierCount(stats.Tiers, model.TierLong))

	require.NoError(t, v.engine.Close())
	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	assert.Len(t, v.sink.events, 4)
	assert.Equal(t, notify.EventWritten, v.sink.events[0].Type)
}

func tierCount(tiers []store.TierStats, tier model.Tier) int {
	for _, t := range tiers {
		if t.Tier == tier {
			return t.Count
		}
	}
	return -1
}
