// Package store provides the tiered record store on SQLite: one table per
// tier, the relationship graph, the append-only audit log and the sweep log.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memory-substrate/internal/model"
)

// TierPolicy carries everything that differs between the tier tables.
// All record operations are written once against a policy.
type TierPolicy struct {
	Tier     model.Tier
	Table    string
	Expiring bool
}

var policies = map[model.Tier]TierPolicy{
	model.TierShort:  {Tier: model.TierShort, Table: "memories_short", Expiring: true},
	model.TierMedium: {Tier: model.TierMedium, Table: "memories_medium", Expiring: true},
	model.TierLong:   {Tier: model.TierLong, Table: "memories_long"},
}

// PolicyFor returns the policy of tier t.
func PolicyFor(t model.Tier) (TierPolicy, error) {
	p, ok := policies[t]
	if !ok {
		return TierPolicy{}, model.NewValidationError("tier", fmt.Sprintf("unknown tier %q", t))
	}
	return p, nil
}

// check is the per-tier expires_at constraint.
func (p TierPolicy) check() string {
	if p.Expiring {
		return "expires_at IS NOT NULL AND expires_at > created_at"
	}
	return "expires_at IS NULL"
}

// NewID returns a new record id.
func NewID() string {
	return ulid.Make().String()
}

// SweepRun is one completed sweep of a tier.
type SweepRun struct {
	Tier    model.Tier `json:"tier"`
	SweptAt time.Time  `json:"swept_at"`
	Cutoff  time.Time  `json:"cutoff"`
	Count   int        `json:"count"`
}

// Store is the record store used by the engine components.
type Store interface {
	// WithTx runs fn inside one SQLite transaction. fn's error rolls back.
	WithTx(ctx context.Context, fn func(tx *Tx) error) error

	// Get loads a record from a known tier.
	Get(ctx context.Context, tier model.Tier, id string) (*model.Record, error)

	// Find loads a record by id from whichever tier holds it.
	Find(ctx context.Context, id string) (*model.Record, error)

	// GetMany hydrates the given ids from one tier; missing ids are omitted.
	GetMany(ctx context.Context, tier model.Tier, ids []string) (map[string]*model.Record, error)

	// InsertAudit appends an audit entry outside any mutation transaction.
	InsertAudit(ctx context.Context, e *model.AuditEntry) error

	// Close closes the store.
	Close() error
}
