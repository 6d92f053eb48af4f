package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savegress/backup-core/internal/errs"
)

// Store persists BackupRun entries in Postgres. The schema keeps a
// handful of indexed columns for the required queries alongside the
// full entry as JSONB, following the teacher's pattern of storing
// structured state as parameterized SQL rather than hand-rolled
// key-value encoding.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps pool for backup-run persistence.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new run, typically at status=in_progress.
func (s *Store) Create(ctx context.Context, run *BackupRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return errs.IO("registry-create", fmt.Errorf("marshal run: %w", err))
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO backup_runs (backup_id, type, status, started_at, retention_expires_at, deleted_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.BackupID, run.Type, run.Status, run.StartedAt, run.Retention.ExpiresAt, nullTime(run.Retention.DeletedAt), payload)
	if err != nil {
		return errs.IO("registry-create", fmt.Errorf("insert run %s: %w", run.BackupID, err))
	}
	return nil
}

// Update overwrites the stored payload for an existing run (used at
// run end, and by MarkAsVerified/MarkAsRestored).
func (s *Store) Update(ctx context.Context, run *BackupRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return errs.IO("registry-update", fmt.Errorf("marshal run: %w", err))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_runs
		SET status = $1, retention_expires_at = $2, deleted_at = $3, payload = $4
		WHERE backup_id = $5`,
		run.Status, run.Retention.ExpiresAt, nullTime(run.Retention.DeletedAt), payload, run.BackupID)
	if err != nil {
		return errs.IO("registry-update", fmt.Errorf("update run %s: %w", run.BackupID, err))
	}
	if tag.RowsAffected() == 0 {
		return errs.State("registry-update", fmt.Errorf("no run found with backupId %s", run.BackupID))
	}
	return nil
}

// ByBackupID fetches a single run.
func (s *Store) ByBackupID(ctx context.Context, backupID string) (*BackupRun, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM backup_runs WHERE backup_id = $1`, backupID).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.State("registry-lookup", fmt.Errorf("no run found with backupId %s", backupID))
		}
		return nil, errs.IO("registry-lookup", fmt.Errorf("query run %s: %w", backupID, err))
	}
	return decodeRun(payload)
}

// Recent returns the most recent n runs ordered by startedAt descending.
func (s *Store) Recent(ctx context.Context, n int) ([]*BackupRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM backup_runs ORDER BY started_at DESC LIMIT $1`, n)
	if err != nil {
		return nil, errs.IO("registry-recent", fmt.Errorf("query recent runs: %w", err))
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ByType returns every run of the given type, most recent first.
func (s *Store) ByType(ctx context.Context, runType RunType) ([]*BackupRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM backup_runs WHERE type = $1 ORDER BY started_at DESC`, runType)
	if err != nil {
		return nil, errs.IO("registry-by-type", fmt.Errorf("query runs of type %s: %w", runType, err))
	}
	defer rows.Close()
	return scanRuns(rows)
}

// StatsByType computes counts, success counts, and averages grouped by
// type over [since, until).
func (s *Store) StatsByType(ctx context.Context, since, until time.Time) ([]TypeStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM backup_runs WHERE started_at >= $1 AND started_at < $2`, since, until)
	if err != nil {
		return nil, errs.IO("registry-stats", fmt.Errorf("query runs in range: %w", err))
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	byType := make(map[RunType]*TypeStats)
	durationTotals := make(map[RunType]time.Duration)
	sizeTotals := make(map[RunType]int64)
	for _, run := range runs {
		stat, ok := byType[run.Type]
		if !ok {
			stat = &TypeStats{Type: run.Type}
			byType[run.Type] = stat
		}
		stat.Count++
		if run.Status == StatusCompleted {
			stat.SuccessCount++
			sizeTotals[run.Type] += run.TotalSize
			if !run.EndedAt.IsZero() {
				durationTotals[run.Type] += run.EndedAt.Sub(run.StartedAt)
			}
		}
	}

	out := make([]TypeStats, 0, len(byType))
	for runType, stat := range byType {
		if stat.SuccessCount > 0 {
			stat.AverageSize = float64(sizeTotals[runType]) / float64(stat.SuccessCount)
			stat.AverageDuration = durationTotals[runType] / time.Duration(stat.SuccessCount)
		}
		out = append(out, *stat)
	}
	return out, nil
}

// Expired returns completed runs whose retention has passed and that
// have not yet been deleted.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]*BackupRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM backup_runs
		WHERE retention_expires_at <= $1 AND deleted_at IS NULL AND status = $2`,
		now, StatusCompleted)
	if err != nil {
		return nil, errs.IO("registry-expired", fmt.Errorf("query expired runs: %w", err))
	}
	defer rows.Close()
	return scanRuns(rows)
}

// MarkAsVerified records a verification outcome on the given run.
func (s *Store) MarkAsVerified(ctx context.Context, backupID string, verdict Verdict, verErrs []string) error {
	run, err := s.ByBackupID(ctx, backupID)
	if err != nil {
		return err
	}
	run.Verification = VerificationState{
		Verified:   true,
		VerifiedAt: time.Now().UTC(),
		Verdict:    verdict,
		Errors:     verErrs,
	}
	return s.Update(ctx, run)
}

// MarkAsRestored records a restoration outcome on the given run.
func (s *Store) MarkAsRestored(ctx context.Context, backupID, restoredBy, notes string) error {
	run, err := s.ByBackupID(ctx, backupID)
	if err != nil {
		return err
	}
	if run.Status != StatusCompleted {
		return errs.State("mark-restored", fmt.Errorf("cannot restore run %s in status %s", backupID, run.Status))
	}
	run.Restoration = RestorationState{
		Restored:   true,
		RestoredAt: time.Now().UTC(),
		RestoredBy: restoredBy,
		Notes:      notes,
	}
	return s.Update(ctx, run)
}

// MarkDeleted sets retention.deletedAt after the physical artifact has
// been unlinked by the caller.
func (s *Store) MarkDeleted(ctx context.Context, backupID string, when time.Time) error {
	run, err := s.ByBackupID(ctx, backupID)
	if err != nil {
		return err
	}
	run.Retention.DeletedAt = when
	return s.Update(ctx, run)
}

func scanRuns(rows pgx.Rows) ([]*BackupRun, error) {
	var out []*BackupRun
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errs.IO("registry-scan", fmt.Errorf("scan run row: %w", err))
		}
		run, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func decodeRun(payload []byte) (*BackupRun, error) {
	var run BackupRun
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, errs.IO("registry-decode", fmt.Errorf("unmarshal run: %w", err))
	}
	return &run, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
