// Package audit builds and appends entries to the append-only audit ledger.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/memory-substrate/internal/model"
)

// Actor identifies who performed an audited operation.
type Actor struct {
	ID    string
	Class string
}

// System is the actor for maintenance jobs.
var System = Actor{ID: "system", Class: string(model.CreatorSystem)}

// Writer appends entries. Both the store and a store transaction satisfy it.
type Writer interface {
	InsertAudit(ctx context.Context, e *model.AuditEntry) error
}

// Query is satisfied by the store.
type Query interface {
	Writer
	Trail(ctx context.Context, recordID string) ([]model.AuditEntry, error)
}

// Ledger creates entries and appends them.
type Ledger struct {
	store  Query
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the ledger.
type Option func(*Ledger)

// WithLogger sets the logger for ledger diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over store.
func NewLedger(store Query, opts ...Option) *Ledger {
	l := &Ledger{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entry returns a new success entry for op.
func (l *Ledger) Entry(op string, actor Actor, tier model.Tier, recordID string) *model.AuditEntry {
	return &model.AuditEntry{
		ID:          uuid.NewString(),
		Operation:   op,
		Tier:        tier,
		RecordID:    recordID,
		CallerID:    actor.ID,
		CallerClass: actor.Class,
		Status:      model.AuditSuccess,
		Timestamp:   l.now().UTC(),
	}
}

// Failure returns a new failure entry for op.
func (l *Ledger) Failure(op string, actor Actor, tier model.Tier, recordID, reason string) *model.AuditEntry {
	e := l.Entry(op, actor, tier, recordID)
	e.Status = model.AuditFailure
	e.Reason = reason
	return e
}

// Append writes e through w, which is usually the mutation's transaction.
func (l *Ledger) Append(ctx context.Context, w Writer, e *model.AuditEntry) error {
	return w.InsertAudit(ctx, e)
}

// Record appends e outside any transaction. Used for rejections and reads,
// which have no mutation to commit with. A ledger write failure is logged;
// the caller still returns its own result.
func (l *Ledger) Record(ctx context.Context, e *model.AuditEntry) {
	if err := l.store.InsertAudit(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Error("audit append failed",
			"operation", e.Operation, "record_id", e.RecordID, "reason", e.Reason, "error", err)
	}
}

// Reject records a failed attempt.
func (l *Ledger) Reject(ctx context.Context, e *model.AuditEntry) {
	l.Record(ctx, e)
}

// Trail returns every entry for recordID, oldest first.
func (l *Ledger) Trail(ctx context.Context, recordID string) ([]model.AuditEntry, error) {
	return l.store.Trail(ctx, recordID)
}
