// Package maintenance holds the background jobs that keep the tiers
// healthy: decay, compounding, expiry sweep and embedding backfill.
// Jobs never hold a lock across records; every write is version-checked
// and a conflict means a caller got there first.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/notify"
	"github.com/rcliao/memory-substrate/internal/store"
)

// Store is the store surface the jobs need.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *store.Tx) error) error
	Get(ctx context.Context, tier model.Tier, id string) (*model.Record, error)
	DecayCandidates(ctx context.Context, cutoff time.Time, floor float64, after string, limit int) ([]*model.Record, error)
	CompoundCandidates(ctx context.Context) ([]*model.Record, error)
	Degraded(ctx context.Context, tier model.Tier, limit int) ([]*model.Record, error)
	LastSweep(ctx context.Context, tier model.Tier) (*store.SweepRun, error)
}

// Embedder is the timeout-bounded embedding collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// deps are shared by every job.
type deps struct {
	logger    *slog.Logger
	now       func() time.Time
	publisher *notify.Publisher
}

// Option configures a job.
type Option func(*deps)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *deps) { d.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

// WithPublisher sets the outbound notification queue.
func WithPublisher(p *notify.Publisher) Option {
	return func(d *deps) { d.publisher = p }
}

func newDeps(opts []Option) deps {
	d := deps{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// errSkip ends a per-record attempt without counting it as a failure.
var errSkip = errors.New("skip")

// retry runs attempt until it stops reporting a version conflict, at most
// maxRetries+1 times. It returns the last error.
func retry(job string, maxRetries int, attempt func(n int) error) error {
	var err error
	for n := 0; n <= maxRetries; n++ {
		err = attempt(n)
		if !errors.Is(err, model.ErrConflict) {
			if n > 0 && err == nil {
				metrics.MaintenanceConflicts.WithLabelValues(job, "resolved").Inc()
			}
			return err
		}
		metrics.MaintenanceConflicts.WithLabelValues(job, "retried").Inc()
	}
	metrics.MaintenanceConflicts.WithLabelValues(job, "skipped").Inc()
	return err
}

func observe(job string, start time.Time) {
	metrics.MaintenanceDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
