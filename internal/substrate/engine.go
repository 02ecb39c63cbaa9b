// Package substrate wires the memory substrate together. An Engine is
// built once at startup from configuration and owns every component.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/embedding"
	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/ingest"
	"github.com/rcliao/memory-substrate/internal/maintenance"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/notify"
	"github.com/rcliao/memory-substrate/internal/retrieval"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Engine is the memory substrate.
type Engine struct {
	store     *store.SQLiteStore
	indexes   *index.Set
	embedder  *embedding.Bounded
	enforcer  *governance.Enforcer
	auth      *governance.Authenticator
	ledger    *audit.Ledger
	publisher *notify.Publisher
	tracker   *retrieval.AccessTracker
	pipeline  *ingest.Pipeline
	router    *retrieval.Router

	decayer    *maintenance.Decayer
	compounder *maintenance.Compounder
	sweeper    *maintenance.Sweeper
	backfiller *maintenance.Backfiller
	scheduler  *maintenance.Scheduler

	redis  redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cfg       config.Config
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type options struct {
	logger   *slog.Logger
	now      func() time.Time
	embedder embedding.Embedder
	sink     notify.Sink
}

// Option configures the engine.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source handed to every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEmbedder replaces the configured embedding provider. It is still
// wrapped with the configured timeout and cache.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithSink replaces the configured notification sink.
func WithSink(s notify.Sink) Option {
	return func(o *options) { o.sink = s }
}

// New opens the store, rebuilds the indexes from persisted embeddings and
// builds every component. Call Start to run background work and Close to
// release everything.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	logger := o.logger

	st, err := store.NewSQLiteStore(cfg.Store.Path, store.Options{
		MaxOpenConns: cfg.Store.MaxOpenConns,
		BusyTimeout:  cfg.Store.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}

	indexes, err := index.NewSet(index.Options{Backend: cfg.Index.Backend, M: cfg.Index.M, EfSearch: cfg.Index.EfSearch})
	if err != nil {
		st.Close()
		return nil, err
	}
	counts, err := indexes.Rebuild(ctx, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("rebuild index: %w", err)
	}
	logger.Info("index rebuilt", "backend", cfg.Index.Backend,
		"short", counts[model.TierShort], "medium", counts[model.TierMedium], "long", counts[model.TierLong])

	auth, err := governance.NewAuthenticator(cfg.Callers)
	if err != nil {
		st.Close()
		return nil, err
	}

	inner := o.embedder
	if inner == nil {
		inner = embedding.New(embedding.Settings{
			Provider: cfg.Embedding.Provider,
			Model:    cfg.Embedding.Model,
			URL:      cfg.Embedding.URL,
			APIKey:   cfg.Embedding.APIKey,
			Dims:     cfg.Embedding.Dims,
		})
	}
	if inner == nil && cfg.Embedding.Provider == "" {
		inner = embedding.NewFromEnv()
	}
	if inner == nil {
		logger.Warn("no embedding provider configured, every write is degraded and search uses substring matching")
	}

	e := &Engine{
		store:    st,
		indexes:  indexes,
		embedder: embedding.NewBounded(inner, cfg.Embedding.Timeout, cfg.Embedding.CacheTTL),
		enforcer: governance.NewEnforcer(governance.WithLogger(logger)),
		auth:     auth,
		ledger:   audit.NewLedger(st, audit.WithLogger(logger), audit.WithClock(o.now)),
		logger:   logger,
		now:      o.now,
	}

	sink := o.sink
	if sink == nil {
		sink = e.defaultSink(cfg.Notify, logger)
	}
	e.publisher = notify.NewPublisher(sink, cfg.Notify.Buffer, notify.WithLogger(logger))
	e.tracker = retrieval.NewAccessTracker(st, cfg.Retrieval.AccessQueue,
		retrieval.WithTrackerLogger(logger), retrieval.WithTrackerClock(o.now))

	e.pipeline = ingest.New(st, indexes, e.embedder, e.enforcer, e.ledger,
		ingest.WithLogger(logger),
		ingest.WithClock(o.now),
		ingest.WithPublisher(e.publisher),
		ingest.WithAccessRecorder(e.tracker),
		ingest.WithTierLimits(ingest.LimitsFromConfig(cfg.Tiers)),
	)
	e.router = retrieval.NewRouter(st, indexes, e.embedder, e.enforcer,
		retrieval.WithLogger(logger),
		retrieval.WithClock(o.now),
		retrieval.WithToucher(e.tracker),
		retrieval.WithLedger(e.ledger),
		retrieval.WithSettings(routerSettings(cfg)),
	)

	jobOpts := []maintenance.Option{
		maintenance.WithLogger(logger),
		maintenance.WithClock(o.now),
		maintenance.WithPublisher(e.publisher),
	}
	e.decayer = maintenance.NewDecayer(st, e.ledger, decayPolicy(cfg), jobOpts...)
	e.compounder = maintenance.NewCompounder(st, indexes, e.embedder, e.ledger, compoundPolicy(cfg), jobOpts...)
	e.sweeper = maintenance.NewSweeper(st, indexes, e.ledger, jobOpts...)
	e.backfiller = maintenance.NewBackfiller(st, indexes, e.embedder, e.ledger,
		cfg.Backfill.RatePerSecond, cfg.Backfill.Batch, jobOpts...)
	e.cfg = *cfg

	return e, nil
}

func (e *Engine) defaultSink(c config.NotifyConfig, logger *slog.Logger) notify.Sink {
	if c.RedisAddr == "" {
		return notify.LogSink{Logger: logger}
	}
	e.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	return notify.NewRedisStreamSink(e.redis, c.Stream, c.MaxLen)
}

func routerSettings(cfg *config.Config) retrieval.Settings {
	return retrieval.Settings{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
		Overfetch:     cfg.Retrieval.Overfetch,
	}
}

func decayPolicy(cfg *config.Config) maintenance.DecayPolicy {
	return maintenance.DecayPolicy{
		Factor:     cfg.Decay.Factor,
		Floor:      cfg.Decay.Floor,
		Staleness:  cfg.Decay.Staleness,
		MaxRetries: cfg.Decay.MaxRetries,
		Batch:      cfg.Decay.Batch,
	}
}

func compoundPolicy(cfg *config.Config) maintenance.CompoundPolicy {
	return maintenance.CompoundPolicy{
		Threshold:     cfg.Compounding.SimilarityThreshold,
		Strategy:      cfg.Compounding.MergeStrategy,
		Neighbors:     cfg.Compounding.Neighbors,
		MaxRetries:    cfg.Compounding.MaxRetries,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	}
}

// Reconfigure applies a reloaded configuration. Policies and limits take
// effect on the next operation; store, index and job intervals need a
// restart.
func (e *Engine) Reconfigure(cfg *config.Config) {
	e.pipeline.SetTierLimits(ingest.LimitsFromConfig(cfg.Tiers))
	e.router.SetSettings(routerSettings(cfg))
	e.decayer.SetPolicy(decayPolicy(cfg))
	e.compounder.SetPolicy(compoundPolicy(cfg))
	e.backfiller.SetLimits(cfg.Backfill.RatePerSecond, cfg.Backfill.Batch)
	e.logger.Info("configuration applied")
}

// Start runs the notifier, the access tracker and the maintenance
// scheduler until Close.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.publisher.Start()
	e.tracker.Start()

	c := e.cfg
	e.scheduler = maintenance.NewScheduler(e.logger,
		maintenance.Job{Name: "sweep", Interval: c.Sweep.Interval, Run: func(ctx context.Context) error {
			_, err := e.SweepExpired(ctx)
			return err
		}},
		maintenance.Job{Name: "decay", Interval: c.Decay.Interval, Run: func(ctx context.Context) error {
			_, err := e.RunDecay(ctx)
			return err
		}},
		maintenance.Job{Name: "compound", Interval: c.Compounding.Interval, Run: func(ctx context.Context) error {
			_, err := e.RunCompounding(ctx)
			return err
		}},
		maintenance.Job{Name: "backfill", Interval: c.Backfill.Interval, Run: func(ctx context.Context) error {
			_, err := e.RunBackfill(ctx)
			return err
		}},
	)
	e.scheduler.Start(ctx)
}

// Close stops background work, flushes queued notifications and access
// updates, and closes the store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
			e.scheduler.Wait()
		}
		e.mu.Unlock()

		e.tracker.Close()
		e.publisher.Close()
		if e.redis != nil {
			err = errors.Join(err, e.redis.Close())
		}
		err = errors.Join(err, e.store.Close())
	})
	return err
}

// Authenticate resolves an API key to a caller.
func (e *Engine) Authenticate(key string) (governance.Caller, error) {
	return e.auth.Authenticate(key)
}

// Write stores a new memory.
func (e *Engine) Write(ctx context.Context, c governance.Caller, in ingest.Input) (*ingest.WriteResult, error) {
	return e.pipeline.Write(ctx, c, in)
}

// Update patches a memory the caller may modify.
func (e *Engine) Update(ctx context.Context, c governance.Caller, id string, p ingest.Patch) (*model.Record, error) {
	return e.pipeline.Update(ctx, c, id, p)
}

// Delete removes a memory the caller may delete.
func (e *Engine) Delete(ctx context.Context, c governance.Caller, id string) error {
	return e.pipeline.Delete(ctx, c, id)
}

// Get reads one memory.
func (e *Engine) Get(ctx context.Context, c governance.Caller, id string) (*model.Record, error) {
	return e.pipeline.Get(ctx, c, id)
}

// Search runs a similarity query across tiers.
func (e *Engine) Search(ctx context.Context, c governance.Caller, q retrieval.Query) (*retrieval.Results, error) {
	return e.router.Search(ctx, c, q)
}

// Context packs the best matches for q into a token budget.
func (e *Engine) Context(ctx context.Context, c governance.Caller, q retrieval.ContextQuery) (*retrieval.ContextResult, error) {
	return e.router.Context(ctx, c, q)
}

// Stats reports per-tier statistics.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	s, err := e.store.Stats(ctx, e.now())
	if err != nil {
		return nil, err
	}
	for _, t := range s.Tiers {
		metrics.TierRecords.WithLabelValues(string(t.Tier)).Set(float64(t.Count))
	}
	return s, nil
}

// SweepExpired deletes expired records from the TTL tiers.
func (e *Engine) SweepExpired(ctx context.Context) (map[model.Tier]int, error) {
	return e.sweeper.SweepExpired(ctx)
}

// LastSweep returns the most recent sweep of a TTL tier.
func (e *Engine) LastSweep(ctx context.Context, tier model.Tier) (*store.SweepRun, error) {
	return e.sweeper.LastSweep(ctx, tier)
}

// RunDecay runs one decay pass.
func (e *Engine) RunDecay(ctx context.Context) (*maintenance.DecayReport, error) {
	return e.decayer.Run(ctx)
}

// RunCompounding runs one compounding pass.
func (e *Engine) RunCompounding(ctx context.Context) (*maintenance.CompoundReport, error) {
	return e.compounder.Run(ctx)
}

// RunBackfill embeds degraded records.
func (e *Engine) RunBackfill(ctx context.Context) (*maintenance.BackfillReport, error) {
	return e.backfiller.Run(ctx)
}

// AuditTrail returns the ledger entries of a record. A record that still
// exists must be readable by the caller; the trail of a deleted record is
// only available to kernel callers of an authenticated group.
func (e *Engine) AuditTrail(ctx context.Context, c governance.Caller, recordID string) ([]model.AuditEntry, error) {
	if err := e.readable(ctx, c, recordID, true); err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return e.ledger.Trail(ctx, recordID)
}

// QueryAudit searches the whole ledger. Only kernel callers may do so.
func (e *Engine) QueryAudit(ctx context.Context, c governance.Caller, q store.AuditQuery) ([]model.AuditEntry, error) {
	if c.ID == "" || c.Class != governance.ClassKernel {
		return nil, fmt.Errorf("query audit: %w",
			&model.DeniedError{Op: string(governance.OpRead), Reason: "ledger queries require a kernel caller"})
	}
	return e.store.QueryAudit(ctx, q)
}

// Relationships returns the edges touching a readable record.
func (e *Engine) Relationships(ctx context.Context, c governance.Caller, id string) ([]model.Relationship, error) {
	if err := e.readable(ctx, c, id, false); err != nil {
		return nil, fmt.Errorf("relationships: %w", err)
	}
	return e.store.Relationships(ctx, id)
}

func (e *Engine) readable(ctx context.Context, c governance.Caller, id string, allowGone bool) error {
	rec, err := e.store.Find(ctx, id)
	if errors.Is(err, model.ErrNotFound) && allowGone {
		if c.ID == "" || c.GroupID == "" || c.Class != governance.ClassKernel {
			return &model.DeniedError{Op: string(governance.OpRead), Reason: "trail of a removed record requires a kernel caller"}
		}
		return nil
	}
	if err != nil {
		return err
	}
	if d := e.enforcer.Authorize(c, governance.OpRead, governance.TargetOf(rec)); !d.Allowed {
		return d.Err(governance.OpRead)
	}
	return nil
}

// Store exposes the record store for operational commands.
func (e *Engine) Store() *store.SQLiteStore {
	return e.store
}
