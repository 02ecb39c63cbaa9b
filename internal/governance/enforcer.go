// Package governance decides which caller may do what to which record.
package governance

import (
	"fmt"
	"log/slog"

	"github.com/rcliao/memory-substrate/internal/audit"
	"github.com/rcliao/memory-substrate/internal/model"
)

// Class is the caller class. It is resolved by authentication, never
// declared by the caller.
type Class string

const (
	ClassKernel  Class = "kernel"
	ClassConsole Class = "console"
)

// Caller is an authenticated identity.
type Caller struct {
	ID        string `json:"id"`
	Class     Class  `json:"class"`
	GroupID   string `json:"group_id"`
	OwnerID   string `json:"owner_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// Creator is the creator value stamped on records this caller writes.
func (c Caller) Creator() model.Creator {
	switch c.Class {
	case ClassKernel:
		return model.CreatorKernel
	case ClassConsole:
		return model.CreatorConsole
	default:
		return ""
	}
}

// Actor is the caller as seen by the audit ledger.
func (c Caller) Actor() audit.Actor {
	return audit.Actor{ID: c.ID, Class: string(c.Class)}
}

// Op is a governed operation.
type Op string

const (
	OpRead   Op = "read"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Target is what the enforcer knows about the record being acted on.
// For update and delete it comes from the stored row, not the request.
type Target struct {
	GroupID string
	Creator model.Creator
}

// TargetOf returns the target facts of a stored record.
func TargetOf(rec *model.Record) Target {
	return Target{GroupID: rec.GroupID, Creator: rec.Creator}
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Reason  string
}

type rule struct {
	class Class
	op    Op
	owns  bool
}

// Enforcer evaluates a fixed decision table keyed by caller class,
// operation and ownership match.
type Enforcer struct {
	table  map[rule]bool
	logger *slog.Logger
}

// Option configures the enforcer.
type Option func(*Enforcer)

// WithLogger sets the logger for governance diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = logger
	}
}

// NewEnforcer creates an enforcer with the kernel/console table.
func NewEnforcer(opts ...Option) *Enforcer {
	e := &Enforcer{
		table: map[rule]bool{
			{ClassKernel, OpRead, true}: true, {ClassKernel, OpRead, false}: true,
			{ClassKernel, OpCreate, true}: true, {ClassKernel, OpCreate, false}: true,
			{ClassKernel, OpUpdate, true}: true, {ClassKernel, OpUpdate, false}: true,
			{ClassKernel, OpDelete, true}: true, {ClassKernel, OpDelete, false}: true,

			{ClassConsole, OpRead, true}: true, {ClassConsole, OpRead, false}: true,
			{ClassConsole, OpCreate, true}: true, {ClassConsole, OpCreate, false}: true,
			{ClassConsole, OpUpdate, true}: true, {ClassConsole, OpUpdate, false}: false,
			{ClassConsole, OpDelete, true}: true, {ClassConsole, OpDelete, false}: false,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides whether caller may perform op on target.
func (e *Enforcer) Authorize(c Caller, op Op, t Target) Decision {
	if c.ID == "" || c.GroupID == "" {
		return Decision{Reason: "unauthenticated caller"}
	}
	if c.Creator() == "" {
		return Decision{Reason: fmt.Sprintf("unknown caller class %q", c.Class)}
	}
	if t.GroupID != c.GroupID {
		return Decision{Reason: "record belongs to another group"}
	}

	owns := op == OpCreate || t.Creator == c.Creator()
	allowed, ok := e.table[rule{c.Class, op, owns}]
	if !ok {
		return Decision{Reason: fmt.Sprintf("operation %q not governed", op)}
	}
	if !allowed {
		e.logger.Debug("governance deny", "caller", c.ID, "class", c.Class, "op", op, "creator", t.Creator)
		return Decision{Reason: fmt.Sprintf("%s caller may not %s a record created by %s", c.Class, op, t.Creator)}
	}
	return Decision{Allowed: true}
}

// Err converts a denial into an error wrapping model.ErrAuthorizationDenied.
func (d Decision) Err(op Op) error {
	if d.Allowed {
		return nil
	}
	return &model.DeniedError{Op: string(op), Reason: d.Reason}
}

// Stamp overwrites the server-owned fields of rec. Whatever the caller put
// in Creator or Source is discarded.
func Stamp(c Caller, rec *model.Record) {
	rec.Creator = c.Creator()
	rec.Source = string(c.Class) + ":" + c.ID
	rec.GroupID = c.GroupID
}

// CanRead is the read predicate applied to hydrated records before ranking.
// Any caller may read within its own group.
func (e *Enforcer) CanRead(c Caller, rec *model.Record) bool {
	return e.Authorize(c, OpRead, TargetOf(rec)).Allowed
}

// Visible applies scope gating: user-scoped records are visible to their
// owner, project-scoped records to callers of that project, global ones to
// the whole group. An empty scope admits all three. A kernel caller with
// no scope filter sees every record of its group; naming a scope narrows it
// to what that scope grants its owner and project.
func Visible(c Caller, scope model.Scope, rec *model.Record) bool {
	if scope == "" && c.Class == ClassKernel {
		return model.ValidScopes[rec.Scope]
	}
	if scope != "" && rec.Scope != scope {
		return false
	}
	switch rec.Scope {
	case model.ScopeUser:
		return rec.OwnerID == c.OwnerID
	case model.ScopeProject:
		return rec.ProjectID != "" && rec.ProjectID == c.ProjectID
	case model.ScopeGlobal:
		return true
	default:
		return false
	}
}
