// Package ingest implements the governed write path: validate, authorize,
// embed, classify, persist with audit, notify.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/governance"
	"github.com/rcliao/memory-substrate/internal/index"
	"github.com/rcliao/memory-substrate/internal/metrics"
	"github.com/rcliao/memory-substrate/internal/model"
	"github.com/rcliao/memory-substrate/internal/notify"
	"github.com/rcliao/memory-substrate/internal/store"
)

// MaxContentBytes bounds record content.
const MaxContentBytes = 64 << 10

const defaultImportance = 0.5

// Embedder is the timeout-bounded embedding collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// AccessRecorder receives best-effort read notifications.
type AccessRecorder interface {
	Touch(tier model.Tier, id string)
}

// Input is a write request. Creator and Source are accepted so callers
// can send them, but they are always overwritten.
type Input struct {
	Content    string         `json:"content"`
	Kind       model.Kind     `json:"kind"`
	OwnerID    string         `json:"owner_id"`
	ProjectID  string         `json:"project_id,omitempty"`
	Scope      model.Scope    `json:"scope,omitempty"`
	Tier       model.Tier     `json:"tier,omitempty"`
	TTL        time.Duration  `json:"ttl,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Creator    string         `json:"creator,omitempty"`
	Source     string         `json:"source,omitempty"`
}

// Patch is an owner update. Nil fields are left unchanged.
type Patch struct {
	Content    *string        `json:"content,omitempty"`
	Scope      *model.Scope   `json:"scope,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WriteResult is returned by a successful write.
type WriteResult struct {
	ID       string     `json:"id"`
	Tier     model.Tier `json:"tier"`
	Degraded bool       `json:"degraded"`
}

// Pipeline runs governed writes, updates, deletes and point reads.
type Pipeline struct {
	store     store.Store
	indexes   *index.Set
	embedder  Embedder
	enforcer  *governance.Enforcer
	ledger    *audit.Ledger
	publisher *notify.Publisher
	access    AccessRecorder
	limits    atomic.Pointer[TierLimits]
	locks     lockset
	logger    *slog.Logger
	now       func() time.Time
	retries   int
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithPublisher sets the outbound notification queue.
func WithPublisher(pub *notify.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithAccessRecorder sets the access tracker used by Get.
func WithAccessRecorder(a AccessRecorder) Option {
	return func(p *Pipeline) { p.access = a }
}

// WithTierLimits sets the TTL policy.
func WithTierLimits(l TierLimits) Option {
	return func(p *Pipeline) { p.limits.Store(&l) }
}

// New creates a pipeline.
func New(st store.Store, indexes *index.Set, emb Embedder, enf *governance.Enforcer, ledger *audit.Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    st,
		indexes:  indexes,
		embedder: emb,
		enforcer: enf,
		ledger:   ledger,
		logger:   slog.Default(),
		now:      time.Now,
		retries:  3,
	}
	p.limits.Store(&TierLimits{
		ShortDefault: 24 * time.Hour, ShortMax: 72 * time.Hour,
		MediumDefault: 30 * 24 * time.Hour, MediumMax: 90 * 24 * time.Hour,
	})
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetTierLimits swaps the TTL policy, e.g. on config reload.
func (p *Pipeline) SetTierLimits(l TierLimits) {
	p.limits.Store(&l)
}

// Write validates, authorizes, embeds, classifies and persists a new record.
func (p *Pipeline) Write(ctx context.Context, c governance.Caller, in Input) (*WriteResult, error) {
	actor := c.Actor()

	rec, err := p.validate(in)
	if err != nil {
		p.reject(ctx, model.OpWrite, actor, in.Tier, "", "validation: "+err.Error())
		metrics.Operations.WithLabelValues(model.OpWrite, string(in.Tier), "invalid").Inc()
		return nil, fmt.Errorf("write: %w", err)
	}

	decision := p.enforcer.Authorize(c, governance.OpCreate, governance.Target{GroupID: c.GroupID})
	if !decision.Allowed {
		p.reject(ctx, model.OpWrite, actor, rec.Tier, "", "denied: "+decision.Reason)
		metrics.Operations.WithLabelValues(model.OpWrite, string(rec.Tier), "denied").Inc()
		return nil, fmt.Errorf("write: %w", decision.Err(governance.OpCreate))
	}
	governance.Stamp(c, rec)

	p.embed(ctx, rec)

	unlock := p.locks.lock(rec.ID)
	defer unlock()

	entry := p.ledger.Entry(model.OpWrite, actor, rec.Tier, rec.ID)
	if err := p.persistNew(ctx, rec, entry); err != nil {
		p.reject(ctx, model.OpWrite, actor, rec.Tier, rec.ID, "persist: "+err.Error())
		metrics.Operations.WithLabelValues(model.OpWrite, string(rec.Tier), "error").Inc()
		return nil, fmt.Errorf("write: %w", model.NewStoreError("persist", err))
	}

	metrics.Operations.WithLabelValues(model.OpWrite, string(rec.Tier), "success").Inc()
	if rec.Degraded {
		metrics.DegradedWrites.WithLabelValues(string(rec.Tier)).Inc()
	}
	p.notify(notify.EventWritten, rec)

	return &WriteResult{ID: rec.ID, Tier: rec.Tier, Degraded: rec.Degraded}, nil
}

// validate checks the input and builds the record to persist. The tier,
// expiry and all server-owned fields are set here, except creator and
// source, which Stamp assigns after authorization.
func (p *Pipeline) validate(in Input) (*model.Record, error) {
	content := strings.TrimSpace(in.Content)
	switch {
	case content == "":
		return nil, model.NewValidationError("content", "required")
	case len(content) > MaxContentBytes:
		return nil, model.NewValidationError("content", fmt.Sprintf("exceeds %d bytes", MaxContentBytes))
	case strings.TrimSpace(in.OwnerID) == "":
		return nil, model.NewValidationError("owner_id", "required")
	case in.Kind == "":
		return nil, model.NewValidationError("kind", "required")
	}
	if _, ok := model.ValidKinds[in.Kind]; !ok {
		return nil, model.NewValidationError("kind", fmt.Sprintf("unknown kind %q", in.Kind))
	}

	scope := in.Scope
	if scope == "" {
		scope = model.ScopeUser
	}
	if !model.ValidScopes[scope] {
		return nil, model.NewValidationError("scope", fmt.Sprintf("unknown scope %q", scope))
	}
	if scope == model.ScopeProject && in.ProjectID == "" {
		return nil, model.NewValidationError("project_id", "required for project scope")
	}

	importance := defaultImportance
	if in.Importance != nil {
		if math.IsNaN(*in.Importance) {
			return nil, model.NewValidationError("importance", "not a number")
		}
		importance = model.Clamp01(*in.Importance)
	}
	var confidence *float64
	if in.Confidence != nil {
		if math.IsNaN(*in.Confidence) {
			return nil, model.NewValidationError("confidence", "not a number")
		}
		c := model.Clamp01(*in.Confidence)
		confidence = &c
	}

	tier, ttl, err := ClassifyTier(in.Kind, in.Tier, in.TTL, *p.limits.Load())
	if err != nil {
		return nil, err
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	rec := &model.Record{
		ID:         store.NewID(),
		Tier:       tier,
		OwnerID:    strings.TrimSpace(in.OwnerID),
		ProjectID:  in.ProjectID,
		Scope:      scope,
		Kind:       in.Kind,
		Content:    content,
		Importance: importance,
		Confidence: confidence,
		Tags:       model.NormalizeTags(in.Tags),
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if tier.Expiring() {
		exp := now.Add(ttl)
		if !exp.After(now) {
			return nil, model.NewValidationError("ttl", "expiry must be after creation")
		}
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

// embed fills rec.Embedding or marks the record degraded.
func (p *Pipeline) embed(ctx context.Context, rec *model.Record) {
	vec, err := p.embedder.Embed(ctx, rec.Content)
	if err != nil {
		rec.Embedding = nil
		rec.Degraded = true
		p.logger.Warn("embedding unavailable, continuing degraded",
			"record_id", rec.ID, "tier", rec.Tier, "error", err)
		return
	}
	rec.Embedding = vec
	rec.Degraded = false
}

// persistNew makes the record, its index entry and its audit entry visible
// together. It runs detached from caller cancellation so a cancelled
// request cannot stop halfway.
func (p *Pipeline) persistNew(ctx context.Context, rec *model.Record, entry *model.AuditEntry) error {
	ctx = context.WithoutCancel(ctx)
	idx := p.indexes.Tier(rec.Tier)
	indexed := false

	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		if rec.Embedding != nil {
			if err := idx.Add(ctx, rec.ID, rec.Embedding); err != nil {
				p.logger.Warn("index insert failed, storing degraded", "record_id", rec.ID, "tier", rec.Tier, "error", err)
				rec.Embedding = nil
				rec.Degraded = true
			} else {
				indexed = true
			}
		}

		entry.Detail = map[string]any{
			"decision": "allow",
			"creator":  string(rec.Creator),
			"source":   rec.Source,
			"tier":     string(rec.Tier),
			"degraded": rec.Degraded,
			"owner_id": rec.OwnerID,
		}
		if err := p.ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, rec)
	})
	if err != nil && indexed {
		if rerr := idx.Remove(ctx, rec.ID); rerr != nil {
			p.logger.Error("index cleanup failed", "record_id", rec.ID, "error", rerr)
		}
	}
	return err
}

// Update applies an owner patch to an existing record.
func (p *Pipeline) Update(ctx context.Context, c governance.Caller, id string, patch Patch) (*model.Record, error) {
	actor := c.Actor()

	if err := validatePatch(patch); err != nil {
		p.reject(ctx, model.OpUpdate, actor, "", id, "validation: "+err.Error())
		metrics.Operations.WithLabelValues(model.OpUpdate, "", "invalid").Inc()
		return nil, fmt.Errorf("update: %w", err)
	}

	unlock := p.locks.lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		rec, err := p.store.Find(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				p.reject(ctx, model.OpUpdate, actor, "", id, "not found")
			}
			return nil, fmt.Errorf("update: %w", err)
		}
		if rec.Expired(p.now()) {
			p.reject(ctx, model.OpUpdate, actor, rec.Tier, id, "not found: expired")
			return nil, fmt.Errorf("update %s: %w", id, model.ErrNotFound)
		}

		decision := p.enforcer.Authorize(c, governance.OpUpdate, governance.TargetOf(rec))
		if !decision.Allowed {
			p.reject(ctx, model.OpUpdate, actor, rec.Tier, id, "denied: "+decision.Reason)
			metrics.Operations.WithLabelValues(model.OpUpdate, string(rec.Tier), "denied").Inc()
			return nil, fmt.Errorf("update: %w", decision.Err(governance.OpUpdate))
		}
		if patch.Scope != nil && *patch.Scope == model.ScopeProject && rec.ProjectID == "" {
			err := model.NewValidationError("scope", "record has no project")
			p.reject(ctx, model.OpUpdate, actor, rec.Tier, id, "validation: "+err.Error())
			metrics.Operations.WithLabelValues(model.OpUpdate, string(rec.Tier), "invalid").Inc()
			return nil, fmt.Errorf("update: %w", err)
		}

		err = p.persistUpdate(ctx, actor, rec, patch)
		if errors.Is(err, model.ErrConflict) {
			lastErr = err
			p.logger.Debug("update conflict, retrying", "record_id", id, "attempt", attempt+1)
			continue
		}
		if err != nil {
			p.reject(ctx, model.OpUpdate, actor, rec.Tier, id, "persist: "+err.Error())
			metrics.Operations.WithLabelValues(model.OpUpdate, string(rec.Tier), "error").Inc()
			return nil, fmt.Errorf("update: %w", model.NewStoreError("persist", err))
		}

		metrics.Operations.WithLabelValues(model.OpUpdate, string(rec.Tier), "success").Inc()
		p.notify(notify.EventUpdated, rec)
		return rec, nil
	}
	p.reject(ctx, model.OpUpdate, actor, "", id, "conflict: retries exhausted")
	return nil, fmt.Errorf("update: %w", model.NewStoreError("persist", lastErr))
}

func validatePatch(patch Patch) error {
	if patch.Content != nil {
		c := strings.TrimSpace(*patch.Content)
		if c == "" {
			return model.NewValidationError("content", "must not be empty")
		}
		if len(c) > MaxContentBytes {
			return model.NewValidationError("content", fmt.Sprintf("exceeds %d bytes", MaxContentBytes))
		}
	}
	if patch.Scope != nil && !model.ValidScopes[*patch.Scope] {
		return model.NewValidationError("scope", fmt.Sprintf("unknown scope %q", *patch.Scope))
	}
	if patch.Importance != nil && math.IsNaN(*patch.Importance) {
		return model.NewValidationError("importance", "not a number")
	}
	if patch.Confidence != nil && math.IsNaN(*patch.Confidence) {
		return model.NewValidationError("confidence", "not a number")
	}
	return nil
}

func (p *Pipeline) persistUpdate(ctx context.Context, actor audit.Actor, rec *model.Record, patch Patch) error {
	expect := rec.Version
	oldVec := rec.Embedding
	var changed []string

	if patch.Content != nil {
		if c := strings.TrimSpace(*patch.Content); c != rec.Content {
			rec.Content = c
			changed = append(changed, "content")
			p.embed(ctx, rec)
		}
	}
	if patch.Scope != nil && *patch.Scope != rec.Scope {
		rec.Scope = *patch.Scope
		changed = append(changed, "scope")
	}
	if patch.Importance != nil {
		rec.Importance = model.Clamp01(*patch.Importance)
		changed = append(changed, "importance")
	}
	if patch.Confidence != nil {
		c := model.Clamp01(*patch.Confidence)
		rec.Confidence = &c
		changed = append(changed, "confidence")
	}
	if patch.Tags != nil {
		rec.Tags = model.NormalizeTags(patch.Tags)
		changed = append(changed, "tags")
	}
	if patch.Metadata != nil {
		rec.Metadata = patch.Metadata
		changed = append(changed, "metadata")
	}
	rec.UpdatedAt = p.now().UTC()

	ctx = context.WithoutCancel(ctx)
	idx := p.indexes.Tier(rec.Tier)
	contentChanged := len(changed) > 0 && changed[0] == "content"
	touchedIndex := false

	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		if contentChanged {
			touchedIndex = true
			if rec.Embedding != nil {
				if err := idx.Add(ctx, rec.ID, rec.Embedding); err != nil {
					p.logger.Warn("index update failed, storing degraded", "record_id", rec.ID, "error", err)
					rec.Embedding = nil
					rec.Degraded = true
				}
			}
			if rec.Embedding == nil {
				if err := idx.Remove(ctx, rec.ID); err != nil {
					return err
				}
			}
		}

		entry := p.ledger.Entry(model.OpUpdate, actor, rec.Tier, rec.ID)
		entry.Detail = map[string]any{
			"decision": "allow",
			"creator":  string(rec.Creator),
			"source":   rec.Source,
			"changed":  changed,
			"degraded": rec.Degraded,
			"version":  expect + 1,
		}
		if err := p.ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		return tx.UpdateRecord(ctx, rec, expect)
	})
	if err != nil && touchedIndex {
		p.restoreIndex(ctx, idx, rec.ID, oldVec)
	}
	return err
}

func (p *Pipeline) restoreIndex(ctx context.Context, idx index.Index, id string, vec []float32) {
	var err error
	if vec != nil {
		err = idx.Add(ctx, id, vec)
	} else {
		err = idx.Remove(ctx, id)
	}
	if err != nil {
		p.logger.Error("index restore failed", "record_id", id, "error", err)
	}
}

// Delete removes a record its caller is allowed to delete.
func (p *Pipeline) Delete(ctx context.Context, c governance.Caller, id string) error {
	actor := c.Actor()

	unlock := p.locks.lock(id)
	defer unlock()

	rec, err := p.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			p.reject(ctx, model.OpDelete, actor, "", id, "not found")
		}
		return fmt.Errorf("delete: %w", err)
	}

	decision := p.enforcer.Authorize(c, governance.OpDelete, governance.TargetOf(rec))
	if !decision.Allowed {
		p.reject(ctx, model.OpDelete, actor, rec.Tier, id, "denied: "+decision.Reason)
		metrics.Operations.WithLabelValues(model.OpDelete, string(rec.Tier), "denied").Inc()
		return fmt.Errorf("delete: %w", decision.Err(governance.OpDelete))
	}

	ctx = context.WithoutCancel(ctx)
	err = p.store.WithTx(ctx, func(tx *store.Tx) error {
		entry := p.ledger.Entry(model.OpDelete, actor, rec.Tier, rec.ID)
		entry.Detail = map[string]any{
			"decision": "allow",
			"creator":  string(rec.Creator),
			"source":   rec.Source,
		}
		if err := p.ledger.Append(ctx, tx, entry); err != nil {
			return err
		}
		return tx.DeleteRecord(ctx, rec.Tier, rec.ID)
	})
	if err != nil {
		p.reject(ctx, model.OpDelete, actor, rec.Tier, id, "persist: "+err.Error())
		metrics.Operations.WithLabelValues(model.OpDelete, string(rec.Tier), "error").Inc()
		return fmt.Errorf("delete: %w", model.NewStoreError("persist", err))
	}

	// The row is gone, so a stale index hit is dropped at hydration until this lands.
	if err := p.indexes.Tier(rec.Tier).Remove(ctx, rec.ID); err != nil {
		p.logger.Error("index remove failed", "record_id", rec.ID, "error", err)
	}
	metrics.Operations.WithLabelValues(model.OpDelete, string(rec.Tier), "success").Inc()
	p.notify(notify.EventDeleted, rec)
	return nil
}

// Get reads one record. Expired records read as not found.
func (p *Pipeline) Get(ctx context.Context, c governance.Caller, id string) (*model.Record, error) {
	rec, err := p.store.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if rec.Expired(p.now()) {
		return nil, fmt.Errorf("get %s: %w", id, model.ErrNotFound)
	}
	decision := p.enforcer.Authorize(c, governance.OpRead, governance.TargetOf(rec))
	if !decision.Allowed {
		p.reject(ctx, model.OpRead, c.Actor(), rec.Tier, id, "denied: "+decision.Reason)
		return nil, fmt.Errorf("get: %w", decision.Err(governance.OpRead))
	}
	e := p.ledger.Entry(model.OpRead, c.Actor(), rec.Tier, rec.ID)
	e.Detail = map[string]any{"decision": "allow", "creator": string(rec.Creator)}
	p.ledger.Record(ctx, e)
	if p.access != nil {
		p.access.Touch(rec.Tier, rec.ID)
	}
	return rec, nil
}

func (p *Pipeline) reject(ctx context.Context, op string, actor audit.Actor, tier model.Tier, id, reason string) {
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	if actor.Class == "" {
		actor.Class = "unknown"
	}
	p.ledger.Reject(ctx, p.ledger.Failure(op, actor, tier, id, reason))
}

func (p *Pipeline) notify(t notify.EventType, rec *model.Record) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(notify.Event{
		Type:     t,
		RecordID: rec.ID,
		Tier:     rec.Tier,
		GroupID:  rec.GroupID,
		OwnerID:  rec.OwnerID,
		Kind:     rec.Kind,
		At:       p.now().UTC(),
	})
}
