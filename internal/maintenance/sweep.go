package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/notify"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Sweeper deletes expired records from the TTL tiers.
type Sweeper struct {
	deps
	store   Store
	indexes *index.Set
	ledger  *audit.Ledger
}

// NewSweeper creates a sweep job.
func NewSweeper(st Store, indexes *index.Set, ledger *audit.Ledger, opts ...Option) *Sweeper {
	return &Sweeper{deps: newDeps(opts), store: st, indexes: indexes, ledger: ledger}
}

// SweepExpired deletes, per TTL tier, every record whose expiry is at or
// before the moment the sweep started. Records that expire while the sweep
// runs are left for the next one.
func (s *Sweeper) SweepExpired(ctx context.Context) (map[model.Tier]int, error) {
	began := time.Now()
	defer observe("sweep", began)

	start := s.now().UTC()
	counts := make(map[model.Tier]int)
	var errs []error
	for _, tier := range model.Tiers {
		if !tier.Expiring() {
			continue
		}
		n, err := s.sweepTier(ctx, tier, start)
		if err != nil {
			s.logger.Error("sweep failed", "tier", tier, "error", err)
			errs = append(errs, fmt.Errorf("sweep %s: %w", tier, err))
			continue
		}
		counts[tier] = n
	}
	return counts, errors.Join(errs...)
}

func (s *Sweeper) sweepTier(ctx context.Context, tier model.Tier, cutoff time.Time) (int, error) {
	var ids []string
	var count int
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if ids, err = tx.ExpiredIDs(ctx, tier, cutoff); err != nil {
			return err
		}
		if count, err = tx.DeleteExpired(ctx, tier, cutoff); err != nil {
			return err
		}
		if count > 0 {
			e := s.ledger.Entry(model.OpSweep, audit.System, tier, "")
			e.Detail = map[string]any{"count": count, "cutoff": cutoff.Format(time.RFC3339Nano)}
			if err := s.ledger.Append(ctx, tx, e); err != nil {
				return err
			}
		}
		return tx.InsertSweepRun(ctx, store.SweepRun{Tier: tier, SweptAt: s.now().UTC(), Cutoff: cutoff, Count: count})
	})
	if err != nil {
		return 0, err
	}

	idx := s.indexes.Tier(tier)
	for _, id := range ids {
		if err := idx.Remove(ctx, id); err != nil {
			s.logger.Warn("index remove after sweep failed", "tier", tier, "record_id", id, "error", err)
		}
	}
	metrics.MaintenanceRecords.WithLabelValues("sweep", string(tier)).Add(float64(count))
	if count > 0 {
		s.logger.Info("swept expired records", "tier", tier, "count", count)
		s.publisher.Publish(notify.Event{Type: notify.EventSwept, Tier: tier, Count: count, At: cutoff})
	}
	return count, nil
}

// LastSweep returns the most recent sweep of tier.
func (s *Sweeper) LastSweep(ctx context.Context, tier model.Tier) (*store.SweepRun, error) {
	if !tier.Expiring() {
		return nil, model.NewValidationError("tier", fmt.Sprintf("%s does not expire", tier))
	}
	return s.store.LastSweep(ctx, tier)
}
