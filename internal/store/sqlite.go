package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-substrate/internal/model"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(%d)&_txlock=immediate",
		dbPath, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

const recordSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id               TEXT PRIMARY KEY,
	group_id         TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	project_id       TEXT NOT NULL DEFAULT '',
	creator          TEXT NOT NULL CHECK (creator IN ('kernel', 'console', 'system')),
	source           TEXT NOT NULL,
	scope            TEXT NOT NULL CHECK (scope IN ('user', 'project', 'global')),
	kind             TEXT NOT NULL,
	content          TEXT NOT NULL,
	embedding        TEXT,
	degraded         INTEGER NOT NULL DEFAULT 0,
	importance       REAL NOT NULL CHECK (importance >= 0 AND importance <= 1),
	confidence       REAL CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
	tags             TEXT,
	metadata         TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	last_accessed_at INTEGER,
	access_count     INTEGER NOT NULL DEFAULT 0,
	expires_at       INTEGER,
	version          INTEGER NOT NULL DEFAULT 1,
	superseded       INTEGER NOT NULL DEFAULT 0,
	superseded_by    TEXT,
	review_flagged   INTEGER NOT NULL DEFAULT 0,
	CHECK (%[2]s)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_group ON %[1]s(group_id, scope);
CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at);
CREATE INDEX IF NOT EXISTS idx_%[1]s_degraded ON %[1]s(degraded);
`

const sharedSchema = `
CREATE TABLE IF NOT EXISTS memory_relationships (
	from_id    TEXT NOT NULL REFERENCES memories_long(id) ON DELETE CASCADE,
	to_id      TEXT NOT NULL REFERENCES memories_long(id) ON DELETE CASCADE,
	type       TEXT NOT NULL CHECK (type IN ('related', 'supersedes', 'contradicts', 'elaborates', 'derived_from')),
	strength   REAL NOT NULL CHECK (strength >= 0 AND strength <= 1),
	created_at INTEGER NOT NULL,
	PRIMARY KEY (from_id, to_id, type),
	CHECK (from_id <> to_id)
);
CREATE INDEX IF NOT EXISTS idx_relationships_to ON memory_relationships(to_id, type);

CREATE TABLE IF NOT EXISTS audit_log (
	id           TEXT PRIMARY KEY,
	operation    TEXT NOT NULL,
	tier         TEXT NOT NULL DEFAULT '',
	record_id    TEXT NOT NULL DEFAULT '',
	caller_id    TEXT NOT NULL,
	caller_class TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('success', 'failure')),
	reason       TEXT NOT NULL DEFAULT '',
	detail       TEXT,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(record_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation, created_at);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;
CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TABLE IF NOT EXISTS sweep_runs (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	tier     TEXT NOT NULL,
	swept_at INTEGER NOT NULL,
	cutoff   INTEGER NOT NULL,
	count    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sweep_runs_tier ON sweep_runs(tier, swept_at DESC);
`

func (s *SQLiteStore) migrate() error {
	var b strings.Builder
	for _, t := range model.Tiers {
		p := policies[t]
		fmt.Fprintf(&b, recordSchema, p.Table, p.check())
	}
	b.WriteString(sharedSchema)
	_, err := s.db.Exec(b.String())
	return err
}

// WithTx runs fn in a transaction and commits when fn returns nil.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStoreError("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return model.NewStoreError("commit", err)
	}
	return nil
}

// Get loads one record from tier.
func (s *SQLiteStore) Get(ctx context.Context, tier model.Tier, id string) (*model.Record, error) {
	return getRecord(ctx, s.db, tier, id)
}

// Find probes every tier for id.
func (s *SQLiteStore) Find(ctx context.Context, id string) (*model.Record, error) {
	for _, t := range model.Tiers {
		rec, err := getRecord(ctx, s.db, t, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("find %s: %w", id, model.ErrNotFound)
}

// GetMany hydrates ids from tier.
func (s *SQLiteStore) GetMany(ctx context.Context, tier model.Tier, ids []string) (map[string]*model.Record, error) {
	out := make(map[string]*model.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	p, err := PolicyFor(tier)
	if err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id IN (%s)`, recordColumns, p.Table, placeholders), args...)
	if err != nil {
		return nil, model.NewStoreError("get many", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows, tier)
		if err != nil {
			return nil, model.NewStoreError("scan record", err)
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// InsertAudit appends e outside a mutation transaction (rejections, reads).
func (s *SQLiteStore) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	return insertAudit(ctx, s.db, e)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Tx is a store transaction. All mutations of records, edges, audit
// entries and sweep runs go through it.
type Tx struct {
	tx *sql.Tx
}

// Get loads a record inside the transaction.
func (t *Tx) Get(ctx context.Context, tier model.Tier, id string) (*model.Record, error) {
	return getRecord(ctx, t.tx, tier, id)
}

// InsertRecord inserts rec into its tier table.
func (t *Tx) InsertRecord(ctx context.Context, rec *model.Record) error {
	p, err := PolicyFor(rec.Tier)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	var confidence sql.NullFloat64
	if rec.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.Confidence, Valid: true}
	}
	var supersededBy sql.NullString
	if rec.SupersededBy != "" {
		supersededBy = sql.NullString{String: rec.SupersededBy, Valid: true}
	}

	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Table, recordColumns),
		rec.ID, rec.GroupID, rec.OwnerID, rec.ProjectID, string(rec.Creator), rec.Source,
		string(rec.Scope), string(rec.Kind), rec.Content, encodeVector(rec.Embedding),
		boolInt(rec.Degraded), rec.Importance, confidence, encodeTags(rec.Tags), encodeMap(rec.Metadata),
		toMS(rec.CreatedAt), toMS(rec.UpdatedAt), nullMS(rec.LastAccessedAt), rec.AccessCount,
		nullMS(rec.ExpiresAt), rec.Version, boolInt(rec.Superseded), supersededBy, boolInt(rec.ReviewFlagged))
	if err != nil {
		return model.NewStoreError("insert record", err)
	}
	return nil
}

// UpdateRecord writes the mutable fields of rec when the stored version
// still equals expect. Ownership, creator, source, created_at and
// expires_at are never rewritten. On success rec.Version is advanced.
func (t *Tx) UpdateRecord(ctx context.Context, rec *model.Record, expect int) error {
	p, err := PolicyFor(rec.Tier)
	if err != nil {
		return err
	}
	var confidence sql.NullFloat64
	if rec.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.Confidence, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET content = ?, embedding = ?, degraded = ?, importance = ?, confidence = ?,
			tags = ?, metadata = ?, scope = ?, kind = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`, p.Table),
		rec.Content, encodeVector(rec.Embedding), boolInt(rec.Degraded), rec.Importance, confidence,
		encodeTags(rec.Tags), encodeMap(rec.Metadata), string(rec.Scope), string(rec.Kind),
		toMS(rec.UpdatedAt), rec.ID, expect)
	if err := expectOne(res, err, "update record"); err != nil {
		return err
	}
	rec.Version = expect + 1
	return nil
}

// DeleteRecord removes id from tier. Relationship edges cascade.
func (t *Tx) DeleteRecord(ctx context.Context, tier model.Tier, id string) error {
	p, err := PolicyFor(tier)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, p.Table), id)
	if err != nil {
		return model.NewStoreError("delete record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SetImportance applies a decay step to a long-tier record. The write only
// lands if the record is still at version expect and has not been touched
// since cutoff; otherwise it is a conflict.
func (t *Tx) SetImportance(ctx context.Context, id string, importance float64, flagged bool, expect int, cutoff time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE memories_long SET importance = ?, review_flagged = ?, version = version + 1
		 WHERE id = ? AND version = ? AND coalesce(last_accessed_at, created_at) < ?`,
		importance, boolInt(flagged), id, expect, toMS(cutoff))
	return expectOne(res, err, "set importance")
}

// MarkSuperseded flags a long-tier record as replaced by by.
func (t *Tx) MarkSuperseded(ctx context.Context, id, by string, at time.Time, expect int) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE memories_long SET superseded = 1, superseded_by = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ? AND superseded = 0`,
		by, toMS(at), id, expect)
	return expectOne(res, err, "mark superseded")
}

// SetEmbedding stores a backfilled embedding and clears the degraded flag.
func (t *Tx) SetEmbedding(ctx context.Context, tier model.Tier, id string, vec []float32, expect int) error {
	p, err := PolicyFor(tier)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET embedding = ?, degraded = 0, version = version + 1
			WHERE id = ? AND version = ? AND degraded = 1`, p.Table),
		encodeVector(vec), id, expect)
	return expectOne(res, err, "set embedding")
}

// ExpiredIDs lists ids in tier with expires_at <= cutoff.
func (t *Tx) ExpiredIDs(ctx context.Context, tier model.Tier, cutoff time.Time) ([]string, error) {
	p, err := PolicyFor(tier)
	if err != nil {
		return nil, err
	}
	if !p.Expiring {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE expires_at <= ? ORDER BY id`, p.Table), toMS(cutoff))
	if err != nil {
		return nil, model.NewStoreError("expired ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.NewStoreError("scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteExpired removes rows in tier with expires_at <= cutoff.
// Rows whose expiry lies after cutoff are untouched.
func (t *Tx) DeleteExpired(ctx context.Context, tier model.Tier, cutoff time.Time) (int, error) {
	p, err := PolicyFor(tier)
	if err != nil {
		return 0, err
	}
	if !p.Expiring {
		return 0, nil
	}
	res, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?`, p.Table), toMS(cutoff))
	if err != nil {
		return 0, model.NewStoreError("delete expired", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsertSweepRun records a completed sweep.
func (t *Tx) InsertSweepRun(ctx context.Context, run SweepRun) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sweep_runs (tier, swept_at, cutoff, count) VALUES (?, ?, ?, ?)`,
		string(run.Tier), toMS(run.SweptAt), toMS(run.Cutoff), run.Count)
	if err != nil {
		return model.NewStoreError("insert sweep run", err)
	}
	return nil
}

// InsertAudit appends e as part of the transaction.
func (t *Tx) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	return insertAudit(ctx, t.tx, e)
}

func expectOne(res sql.Result, err error, op string) error {
	if err != nil {
		return model.NewStoreError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.NewStoreError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, model.ErrConflict)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const recordColumns = `id, group_id, owner_id, project_id, creator, source, scope, kind, content,
	embedding, degraded, importance, confidence, tags, metadata,
	created_at, updated_at, last_accessed_at, access_count, expires_at,
	version, superseded, superseded_by, review_flagged`

func getRecord(ctx context.Context, q querier, tier model.Tier, id string) (*model.Record, error) {
	p, err := PolicyFor(tier)
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, recordColumns, p.Table), id)
	rec, err := scanRecord(row, tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, model.NewStoreError("get record", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, tier model.Tier) (*model.Record, error) {
	rec := &model.Record{Tier: tier}
	var (
		creator, scope, kind           string
		embedding, tags, meta          sql.NullString
		supersededBy                   sql.NullString
		confidence                     sql.NullFloat64
		createdAt, updatedAt           int64
		lastAccessed, expiresAt        sql.NullInt64
		degraded, superseded, reviewed int
	)
	err := row.Scan(
		&rec.ID, &rec.GroupID, &rec.OwnerID, &rec.ProjectID, &creator, &rec.Source, &scope, &kind, &rec.Content,
		&embedding, &degraded, &rec.Importance, &confidence, &tags, &meta,
		&createdAt, &updatedAt, &lastAccessed, &rec.AccessCount, &expiresAt,
		&rec.Version, &superseded, &supersededBy, &reviewed,
	)
	if err != nil {
		return nil, err
	}

	rec.Creator = model.Creator(creator)
	rec.Scope = model.Scope(scope)
	rec.Kind = model.Kind(kind)
	rec.Embedding = decodeVector(embedding)
	rec.Degraded = degraded != 0
	if confidence.Valid {
		c := confidence.Float64
		rec.Confidence = &c
	}
	rec.Tags = decodeTags(tags)
	rec.Metadata = decodeMap(meta)
	rec.CreatedAt = fromMS(createdAt)
	rec.UpdatedAt = fromMS(updatedAt)
	rec.LastAccessedAt = ptrMS(lastAccessed)
	rec.ExpiresAt = ptrMS(expiresAt)
	rec.Superseded = superseded != 0
	rec.SupersededBy = supersededBy.String
	rec.ReviewFlagged = reviewed != 0
	return rec, nil
}
