package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-substrate/internal/model"
)

// The audit table has no update or delete path here, and triggers reject
// both at the SQL level.

func insertAudit(ctx context.Context, ex execer, e *model.AuditEntry) error {
	if e.ID == "" || e.CallerID == "" {
		return fmt.Errorf("insert audit log: %w", model.NewValidationError("audit", "id and caller are required"))
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_log (id, operation, tier, record_id, caller_id, caller_class, status, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, string(e.Tier), e.RecordID, e.CallerID, e.CallerClass,
		string(e.Status), e.Reason, encodeMap(e.Detail), toMS(e.Timestamp))
	if err != nil {
		return model.NewStoreError("insert audit log", err)
	}
	return nil
}

// AuditQuery filters the audit log. Empty fields match everything.
type AuditQuery struct {
	RecordID  string
	Operation string
	Status    model.AuditStatus
	Since     time.Time
	Limit     int
}

// QueryAudit returns matching entries oldest first.
func (s *SQLiteStore) QueryAudit(ctx context.Context, q AuditQuery) ([]model.AuditEntry, error) {
	var where []string
	var args []any
	if q.RecordID != "" {
		where = append(where, "record_id = ?")
		args = append(args, q.RecordID)
	}
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, q.Operation)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMS(q.Since))
	}
	limit := q.Limit
	if limit == 0 {
		limit = 1000
	}

	query := `SELECT id, operation, tier, record_id, caller_id, caller_class, status, reason, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid LIMIT ?"
	args = append(args, limit) // negative means unbounded

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("query audit", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var tier, status string
		var detail sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.Operation, &tier, &e.RecordID, &e.CallerID, &e.CallerClass,
			&status, &e.Reason, &detail, &at); err != nil {
			return nil, model.NewStoreError("scan audit", err)
		}
		e.Tier = model.Tier(tier)
		e.Status = model.AuditStatus(status)
		e.Detail = decodeMap(detail)
		e.Timestamp = fromMS(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Trail returns every audit entry for recordID, oldest first.
func (s *SQLiteStore) Trail(ctx context.Context, recordID string) ([]model.AuditEntry, error) {
	if recordID == "" {
		return nil, model.NewValidationError("record_id", "required")
	}
	return s.QueryAudit(ctx, AuditQuery{RecordID: recordID, Limit: -1})
}
