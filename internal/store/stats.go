package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rcliao/memory-substrate/internal/model"
)

// Stats holds database statistics.
type Stats struct {
	DBPath        string      `json:"db_path"`
	DBSizeBytes   int64       `json:"db_size_bytes"`
	Tiers         []TierStats `json:"tiers"`
	Relationships int         `json:"relationships"`
	AuditEntries  int         `json:"audit_entries"`
}

// TierStats holds per-tier aggregates.
type TierStats struct {
	Tier          model.Tier `json:"tier"`
	Count         int        `json:"count"`
	AvgImportance float64    `json:"avg_importance"`
	AvgConfidence float64    `json:"avg_confidence"`
	Last24h       int        `json:"last_24h_count"`
	Last7d        int        `json:"last_7d_count"`
	Degraded      int        `json:"degraded"`
	Superseded    int        `json:"superseded"`
	ReviewFlagged int        `json:"review_flagged"`
	LastSweep     *SweepRun  `json:"last_sweep,omitempty"`
}

// Stats returns database statistics as of now.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	for _, t := range model.Tiers {
		p := policies[t]
		ts := TierStats{Tier: t}
		var avgImp, avgConf sql.NullFloat64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT COUNT(*), AVG(importance), AVG(confidence),
			       COALESCE(SUM(created_at >= ?), 0), COALESCE(SUM(created_at >= ?), 0),
			       COALESCE(SUM(degraded), 0), COALESCE(SUM(superseded), 0), COALESCE(SUM(review_flagged), 0)
			FROM %s`, p.Table),
			toMS(now.Add(-24*time.Hour)), toMS(now.Add(-7*24*time.Hour)),
		).Scan(&ts.Count, &avgImp, &avgConf, &ts.Last24h, &ts.Last7d, &ts.Degraded, &ts.Superseded, &ts.ReviewFlagged)
		if err != nil {
			return nil, model.NewStoreError("tier stats", err)
		}
		ts.AvgImportance = avgImp.Float64
		ts.AvgConfidence = avgConf.Float64

		if p.Expiring {
			run, err := s.LastSweep(ctx, t)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
			ts.LastSweep = run
		}
		st.Tiers = append(st.Tiers, ts)
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_relationships`).Scan(&st.Relationships)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&st.AuditEntries)

	return st, nil
}

// LastSweep returns the most recent sweep of tier, or ErrNotFound.
func (s *SQLiteStore) LastSweep(ctx context.Context, tier model.Tier) (*SweepRun, error) {
	run := &SweepRun{Tier: tier}
	var sweptAt, cutoff int64
	err := s.db.QueryRowContext(ctx,
		`SELECT swept_at, cutoff, count FROM sweep_runs WHERE tier = ? ORDER BY swept_at DESC, id DESC LIMIT 1`,
		string(tier)).Scan(&sweptAt, &cutoff, &run.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last sweep %s: %w", tier, model.ErrNotFound)
	}
	if err != nil {
		return nil, model.NewStoreError("last sweep", err)
	}
	run.SweptAt = fromMS(sweptAt)
	run.Cutoff = fromMS(cutoff)
	return run, nil
}
