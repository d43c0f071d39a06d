package repository

import (
	"context"
	"errors"
	"fmt"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// ErrReapplyConflict is returned when a pending|running job of the same kind
// already exists. The API maps it to 409.
var ErrReapplyConflict = errors.New("a reapply job of this kind is already in progress")

// --- Reapply jobs ---

// CreateReapplyJob inserts a job unless one of the same kind is still
// pending|running. The guard and the insert are a single statement so two
// concurrent requests cannot both slip through.
func (r *Repository) CreateReapplyJob(ctx context.Context, job models.ReapplyJob) error {
	cmd, err := r.db.Exec(ctx, `
		INSERT INTO app.reapply_jobs
			(id, kind, status, total, feed_filter, trigger_type, trigger_rule_snapshot)
		SELECT $1, $2, 'pending', $3, NULLIF($4, ''), $5, $6
		WHERE NOT EXISTS (
			SELECT 1 FROM app.reapply_jobs
			WHERE kind = $2 AND status IN ('pending', 'running')
		)`,
		job.ID, job.Kind, job.Total, job.FeedFilter, job.TriggerType,
		sanitizeJSONB(job.TriggerRuleSnapshot))
	if err != nil {
		return fmt.Errorf("create reapply job: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrReapplyConflict
	}
	return nil
}

// HasActiveReapplyJob reports whether a pending|running job of the kind
// exists; rule writes use it to decide whether to skip their auto-trigger.
func (r *Repository) HasActiveReapplyJob(ctx context.Context, kind string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM app.reapply_jobs
			WHERE kind = $1 AND status IN ('pending', 'running')
		)`, kind).Scan(&exists)
	return exists, err
}

func (r *Repository) GetReapplyJob(ctx context.Context, id string) (*models.ReapplyJob, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, kind, status, total, processed, updated, failed, feeds_affected,
		       COALESCE(feed_filter, ''), trigger_type, trigger_rule_snapshot,
		       COALESCE(error_message, ''), last_progress_at, created_at, completed_at
		FROM app.reapply_jobs WHERE id = $1`, id)

	var job models.ReapplyJob
	err := row.Scan(&job.ID, &job.Kind, &job.Status, &job.Total, &job.Processed,
		&job.Updated, &job.Failed, &job.FeedsAffected, &job.FeedFilter,
		&job.TriggerType, &job.TriggerRuleSnapshot, &job.ErrorMessage,
		&job.LastProgressAt, &job.CreatedAt, &job.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SetReapplyJobStatus moves a job between lifecycle states. The expected
// states guard against racing transitions (e.g. cancel vs. completion).
func (r *Repository) SetReapplyJobStatus(ctx context.Context, id, status, errMsg string, expected ...string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'reverted') THEN NOW() ELSE completed_at END
		WHERE id = $1 AND ($4::text[] IS NULL OR status = ANY($4))`,
		id, status, errMsg, expected)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// BumpReapplyProgress accumulates batch counters and touches
// last_progress_at so stalled jobs are detectable.
func (r *Repository) BumpReapplyProgress(ctx context.Context, id string, processed, updated, failed int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs
		SET processed = processed + $2,
		    updated = updated + $3,
		    failed = failed + $4,
		    last_progress_at = NOW()
		WHERE id = $1`, id, processed, updated, failed)
	return err
}

// FinishReapplyJob stamps completion together with the feeds it touched.
func (r *Repository) FinishReapplyJob(ctx context.Context, id string, feedsAffected []string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs
		SET status = 'completed', feeds_affected = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, feedsAffected)
	return err
}

// --- Snapshots ---

// SaveReapplySnapshots captures the pre-change values of one batch.
func (r *Repository) SaveReapplySnapshots(ctx context.Context, snaps []models.ReapplySnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range snaps {
		batch.Queue(`
			INSERT INTO app.reapply_snapshots (job_id, diamond_id, retail_price, markup_ratio, rating)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id, diamond_id) DO NOTHING`,
			s.JobID, s.DiamondID, s.RetailPrice, s.MarkupRatio, s.Rating)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save snapshots: %w", err)
		}
	}
	return nil
}

// RevertFromSnapshots restores every snapshotted diamond of a job to its
// captured pricing/rating values in one statement. Returns rows restored.
func (r *Repository) RevertFromSnapshots(ctx context.Context, jobID string) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.diamonds d
		SET retail_price = s.retail_price,
		    markup_ratio = s.markup_ratio,
		    rating = s.rating,
		    updated_at = NOW()
		FROM app.reapply_snapshots s
		WHERE s.job_id = $1 AND s.diamond_id = d.id`, jobID)
	if err != nil {
		return 0, fmt.Errorf("revert from snapshots: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// DeleteReapplySnapshots garbage-collects a job's snapshots.
func (r *Repository) DeleteReapplySnapshots(ctx context.Context, jobID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM app.reapply_snapshots WHERE job_id = $1`, jobID)
	return err
}
