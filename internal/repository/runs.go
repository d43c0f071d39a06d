package repository

import (
	"context"
	"fmt"
	"time"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Run bookkeeping ---

func (r *Repository) CreateRun(ctx context.Context, run models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.run_metadata
			(run_id, feed, run_type, expected_workers, watermark_before, total_records, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		run.RunID, run.Feed, run.RunType, run.ExpectedWorkers, run.WatermarkBefore, run.TotalRecords,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.RunID, err)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := r.db.QueryRow(ctx, `
		SELECT run_id, feed, run_type, expected_workers, completed_workers, failed_workers,
		       cancelled, watermark_before, watermark_after, feeds_affected, total_records,
		       started_at, completed_at
		FROM app.run_metadata WHERE run_id = $1`, runID)

	var run models.Run
	err := row.Scan(&run.RunID, &run.Feed, &run.RunType, &run.ExpectedWorkers,
		&run.CompletedWorkers, &run.FailedWorkers, &run.Cancelled,
		&run.WatermarkBefore, &run.WatermarkAfter, &run.FeedsAffected,
		&run.TotalRecords, &run.StartedAt, &run.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repository) ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT run_id, feed, run_type, expected_workers, completed_workers, failed_workers,
		       cancelled, watermark_before, watermark_after, feeds_affected, total_records,
		       started_at, completed_at
		FROM app.run_metadata
		WHERE ($1 = '' OR feed = $1)
		ORDER BY started_at DESC
		LIMIT $2`, feed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		if err := rows.Scan(&run.RunID, &run.Feed, &run.RunType, &run.ExpectedWorkers,
			&run.CompletedWorkers, &run.FailedWorkers, &run.Cancelled,
			&run.WatermarkBefore, &run.WatermarkAfter, &run.FeedsAffected,
			&run.TotalRecords, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and (via cascade) its partitions. Used when the
// scheduler aborts before publishing anything, and by the operator endpoint.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM app.run_metadata WHERE run_id = $1`, runID)
	return err
}

// CancelRun flags a run cancelled. Workers observe the flag on their next
// progress write and abandon the partition.
func (r *Repository) CancelRun(ctx context.Context, runID string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.run_metadata SET cancelled = TRUE
		WHERE run_id = $1 AND completed_at IS NULL`, runID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// RecordWorkerOutcome atomically increments one of the run counters and
// returns the updated run. The caller inspects the returned counters to
// detect the tipping point: exactly one worker observes
// completed+failed == expected and owns publishing the consolidate message.
func (r *Repository) RecordWorkerOutcome(ctx context.Context, runID string, succeeded bool) (*models.Run, error) {
	column := "failed_workers"
	if succeeded {
		column = "completed_workers"
	}
	row := r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE app.run_metadata
		SET %s = %s + 1
		WHERE run_id = $1 AND completed_workers + failed_workers < expected_workers
		RETURNING run_id, feed, run_type, expected_workers, completed_workers, failed_workers,
		          cancelled, watermark_before, watermark_after, feeds_affected, total_records,
		          started_at, completed_at`, column, column), runID)

	var run models.Run
	err := row.Scan(&run.RunID, &run.Feed, &run.RunType, &run.ExpectedWorkers,
		&run.CompletedWorkers, &run.FailedWorkers, &run.Cancelled,
		&run.WatermarkBefore, &run.WatermarkAfter, &run.FeedsAffected,
		&run.TotalRecords, &run.StartedAt, &run.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s: counters already at expected_workers", runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// StampRunCompleted records the consolidation outcome on the run.
func (r *Repository) StampRunCompleted(ctx context.Context, runID string, watermarkAfter *time.Time, feedsAffected []string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.run_metadata
		SET watermark_after = $2, feeds_affected = $3, completed_at = NOW()
		WHERE run_id = $1`, runID, watermarkAfter, feedsAffected)
	return err
}

// LatestFullRun returns the most recent full run for the feed, or nil.
func (r *Repository) LatestFullRun(ctx context.Context, feed string) (*models.Run, error) {
	row := r.db.QueryRow(ctx, `
		SELECT run_id, started_at, completed_at
		FROM app.run_metadata
		WHERE feed = $1 AND run_type = 'full'
		ORDER BY started_at DESC LIMIT 1`, feed)

	var run models.Run
	err := row.Scan(&run.RunID, &run.StartedAt, &run.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
