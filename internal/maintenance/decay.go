package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/store"
)

const defaultDecayBatch = 500

// DecayPolicy controls importance attenuation. Batch is the page size of
// the candidate scan.
type DecayPolicy struct {
	Factor     float64
	Floor      float64
	Staleness  time.Duration
	MaxRetries int
	Batch      int
}

// Validate rejects policies that would grow or zero out importance.
func (p DecayPolicy) Validate() error {
	if p.Factor <= 0 || p.Factor >= 1 {
		return model.NewValidationError("decay.factor", "must be in (0, 1)")
	}
	if p.Floor < 0 || p.Floor >= 1 {
		return model.NewValidationError("decay.floor", "must be in [0, 1)")
	}
	if p.Staleness < 0 {
		return model.NewValidationError("decay.staleness", "must not be negative")
	}
	if p.Batch < 0 {
		return model.NewValidationError("decay.batch", "must not be negative")
	}
	return nil
}

// DecayReport summarizes one decay run.
type DecayReport struct {
	Examined int `json:"examined"`
	Decayed  int `json:"decayed"`
	Flagged  int `json:"flagged"`
	Skipped  int `json:"skipped"`
}

// Decayer attenuates the importance of stale long-tier records. It never
// deletes; a record that reaches the floor is flagged for review.
type Decayer struct {
	deps
	store  Store
	ledger *audit.Ledger
	policy atomic.Pointer[DecayPolicy]
}

// NewDecayer creates a decay job.
func NewDecayer(st Store, ledger *audit.Ledger, policy DecayPolicy, opts ...Option) *Decayer {
	d := &Decayer{deps: newDeps(opts), store: st, ledger: ledger}
	d.policy.Store(&policy)
	return d
}

// SetPolicy swaps the policy used by the next run.
func (d *Decayer) SetPolicy(p DecayPolicy) {
	d.policy.Store(&p)
}

// Run applies one decay step to every eligible record.
func (d *Decayer) Run(ctx context.Context) (*DecayReport, error) {
	start := time.Now()
	defer observe("decay", start)

	p := *d.policy.Load()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decay: %w", err)
	}

	batch := p.Batch
	if batch <= 0 {
		batch = defaultDecayBatch
	}

	// Page by id so every stale record is visited once per run, however many
	// there are.
	cutoff := d.now().Add(-p.Staleness)
	report := &DecayReport{}
	after := ""
	for {
		page, err := d.store.DecayCandidates(ctx, cutoff, p.Floor, after, batch)
		if err != nil {
			return report, fmt.Errorf("decay: %w", err)
		}
		report.Examined += len(page)
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			flagged, err := d.decayOne(ctx, rec, p, cutoff)
			switch {
			case err == nil:
				report.Decayed++
				if flagged {
					report.Flagged++
				}
			case errors.Is(err, errSkip):
				report.Skipped++
			default:
				report.Skipped++
				d.logger.Warn("decay skipped record", "record_id", rec.ID, "error", err)
			}
		}
		if len(page) < batch {
			break
		}
		after = page[len(page)-1].ID
	}

	metrics.MaintenanceRecords.WithLabelValues("decay", string(model.TierLong)).Add(float64(report.Decayed))
	d.logger.Info("decay complete",
		"examined", report.Examined, "decayed", report.Decayed, "flagged", report.Flagged, "skipped", report.Skipped)
	return report, nil
}

func (d *Decayer) decayOne(ctx context.Context, rec *model.Record, p DecayPolicy, cutoff time.Time) (bool, error) {
	var flagged bool
	err := retry("decay", p.MaxRetries, func(n int) error {
		if n > 0 {
			fresh, err := d.store.Get(ctx, model.TierLong, rec.ID)
			if errors.Is(err, model.ErrNotFound) {
				return errSkip
			}
			if err != nil {
				return err
			}
			rec = fresh
		}
		// Re-check eligibility: a read or an owner update may have landed.
		if !rec.LastTouched().Before(cutoff) || rec.Importance <= p.Floor {
			return errSkip
		}

		next := max(rec.Importance*p.Factor, p.Floor)
		flagged = next <= p.Floor
		return d.store.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.SetImportance(ctx, rec.ID, next, flagged, rec.Version, cutoff); err != nil {
				return err
			}
			e := d.ledger.Entry(model.OpDecay, audit.System, model.TierLong, rec.ID)
			e.Detail = map[string]any{
				"from":           rec.Importance,
				"to":             next,
				"review_flagged": flagged,
				"version":        rec.Version + 1,
			}
			return d.ledger.Append(ctx, tx, e)
		})
	})
	return flagged, err
}
