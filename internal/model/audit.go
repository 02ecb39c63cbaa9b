package model

import "time"

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// Operation names recorded in the audit ledger.
const (
	OpWrite       = "write"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpRead        = "read"
	OpDecay       = "decay"
	OpCompound    = "compound"
	OpSupersede   = "supersede"
	OpSweep       = "sweep"
	OpBackfill    = "backfill"
	OpAccessTouch = "touch"
)

// AuditEntry is an immutable ledger row.
type AuditEntry struct {
	ID          string         `json:"id"`
	Operation   string         `json:"operation"`
	Tier        Tier           `json:"tier,omitempty"`
	RecordID    string         `json:"record_id,omitempty"`
	CallerID    string         `json:"caller_id"`
	CallerClass string         `json:"caller_class"`
	Status      AuditStatus    `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
