package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/store"
)

// BackfillReport summarizes one backfill run.
type BackfillReport struct {
	Examined int `json:"examined"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Backfiller embeds records that were written while the embedding
// collaborator was unavailable.
type Backfiller struct {
	deps
	store    Store
	indexes  *index.Set
	embedder Embedder
	ledger   *audit.Ledger
	limiter  *rate.Limiter
	batch    atomic.Int64
}

// NewBackfiller creates a backfill job that calls the embedder at most
// perSecond times per second.
func NewBackfiller(st Store, indexes *index.Set, emb Embedder, ledger *audit.Ledger, perSecond float64, batch int, opts ...Option) *Backfiller {
	b := &Backfiller{
		deps:     newDeps(opts),
		store:    st,
		indexes:  indexes,
		embedder: emb,
		ledger:   ledger,
		limiter:  rate.NewLimiter(limitFor(perSecond), 1),
	}
	b.SetLimits(perSecond, batch)
	return b
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// SetLimits changes the embedding rate and batch size.
func (b *Backfiller) SetLimits(perSecond float64, batch int) {
	b.limiter.SetLimit(limitFor(perSecond))
	if batch <= 0 {
		batch = 50
	}
	b.batch.Store(int64(batch))
}

// Run embeds up to one batch of degraded records per tier. It stops early
// when the embedder keeps failing, since the next run will try again.
func (b *Backfiller) Run(ctx context.Context) (*BackfillReport, error) {
	start := time.Now()
	defer observe("backfill", start)

	report := &BackfillReport{}
	batch := int(b.batch.Load())
	for _, tier := range model.Tiers {
		recs, err := b.store.Degraded(ctx, tier, batch)
		if err != nil {
			return report, fmt.Errorf("backfill %s: %w", tier, err)
		}
		report.Examined += len(recs)

		embedded := 0
		for _, rec := range recs {
			if rec.Expired(b.now()) {
				report.Skipped++
				continue
			}
			if err := b.limiter.Wait(ctx); err != nil {
				return report, err
			}
			vec, err := b.embedder.Embed(ctx, rec.Content)
			if err != nil {
				report.Failed++
				b.logger.Warn("backfill embedding unavailable, stopping run", "record_id", rec.ID, "error", err)
				return report, nil
			}

			switch err := b.apply(ctx, rec, vec); {
			case err == nil:
				embedded++
			case errors.Is(err, model.ErrConflict):
				metrics.MaintenanceConflicts.WithLabelValues("backfill", "skipped").Inc()
				report.Skipped++
			default:
				report.Failed++
				b.logger.Warn("backfill write failed", "record_id", rec.ID, "error", err)
			}
		}
		report.Embedded += embedded
		metrics.MaintenanceRecords.WithLabelValues("backfill", string(tier)).Add(float64(embedded))
	}

	if report.Examined > 0 {
		b.logger.Info("backfill complete",
			"examined", report.Examined, "embedded", report.Embedded, "skipped", report.Skipped, "failed", report.Failed)
	}
	return report, nil
}

// apply stores vec and indexes it together. A concurrent update or a
// second backfill makes the version check fail; the record is skipped.
func (b *Backfiller) apply(ctx context.Context, rec *model.Record, vec []float32) error {
	idx := b.indexes.Tier(rec.Tier)
	indexed := false
	err := b.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.SetEmbedding(ctx, rec.Tier, rec.ID, vec, rec.Version); err != nil {
			return err
		}
		e := b.ledger.Entry(model.OpBackfill, audit.System, rec.Tier, rec.ID)
		e.Detail = map[string]any{"dims": len(vec), "version": rec.Version + 1}
		if err := b.ledger.Append(ctx, tx, e); err != nil {
			return err
		}
		if err := idx.Add(ctx, rec.ID, vec); err != nil {
			return err
		}
		indexed = true
		return nil
	})
	if err != nil && indexed {
		if rerr := idx.Remove(ctx, rec.ID); rerr != nil {
			b.logger.Error("index cleanup failed", "record_id", rec.ID, "error", rerr)
		}
	}
	return err
}
