package repository

import (
	"context"
	"fmt"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Partition progress ---

// CreatePartitions inserts the partition set for a run in one batch.
func (r *Repository) CreatePartitions(ctx context.Context, parts []models.Partition) error {
	if len(parts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range parts {
		batch.Queue(`
			INSERT INTO app.partition_progress
				(run_id, partition_id, price_min, price_max, expected_records, status)
			VALUES ($1, $2, $3, $4, $5, 'pending')`,
			p.RunID, p.PartitionID, p.PriceMin, p.PriceMax, p.ExpectedRecords)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for range parts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert partitions: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetPartition(ctx context.Context, runID string, partitionID int) (*models.Partition, error) {
	row := r.db.QueryRow(ctx, `
		SELECT run_id, partition_id, price_min, price_max, expected_records,
		       next_offset, status, published, updated_at
		FROM app.partition_progress
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID)

	var p models.Partition
	err := row.Scan(&p.RunID, &p.PartitionID, &p.PriceMin, &p.PriceMax,
		&p.ExpectedRecords, &p.NextOffset, &p.Status, &p.Published, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) ListPartitions(ctx context.Context, runID string) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT run_id, partition_id, price_min, price_max, expected_records,
		       next_offset, status, published, updated_at
		FROM app.partition_progress
		WHERE run_id = $1
		ORDER BY partition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.RunID, &p.PartitionID, &p.PriceMin, &p.PriceMax,
			&p.ExpectedRecords, &p.NextOffset, &p.Status, &p.Published, &p.UpdatedAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// MarkPartitionPublished flags a partition as having a queue message in
// flight. The scheduler's Republish path uses the flag to resume a run whose
// publish loop died halfway.
func (r *Repository) MarkPartitionPublished(ctx context.Context, runID string, partitionID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.partition_progress
		SET published = TRUE, updated_at = NOW()
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID)
	return err
}

// PendingUnpublished returns partitions that never got a work item published.
func (r *Repository) PendingUnpublished(ctx context.Context, runID string) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT run_id, partition_id, price_min, price_max, expected_records,
		       next_offset, status, published, updated_at
		FROM app.partition_progress
		WHERE run_id = $1 AND status = 'pending' AND published = FALSE
		ORDER BY partition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.RunID, &p.PartitionID, &p.PriceMin, &p.PriceMax,
			&p.ExpectedRecords, &p.NextOffset, &p.Status, &p.Published, &p.UpdatedAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (r *Repository) SetPartitionStatus(ctx context.Context, runID string, partitionID int, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.partition_progress
		SET status = $3, updated_at = NOW()
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID, status)
	return err
}

// AdvancePartitionOffset moves next_offset forward after a successfully
// persisted page. The guard keeps a stale retry from moving it backwards.
func (r *Repository) AdvancePartitionOffset(ctx context.Context, runID string, partitionID int, newOffset int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.partition_progress
		SET next_offset = $3, updated_at = NOW()
		WHERE run_id = $1 AND partition_id = $2 AND next_offset < $3`,
		runID, partitionID, newOffset)
	return err
}

// --- Worker runs ---

// OpenWorkerRun records a new attempt at a partition, retaining the original
// work-item payload for manual retry.
func (r *Repository) OpenWorkerRun(ctx context.Context, wr models.WorkerRun) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.worker_runs (run_id, partition_id, worker_id, status, work_item_payload)
		VALUES ($1, $2, $3, 'running', $4)
		RETURNING id`,
		wr.RunID, wr.PartitionID, wr.WorkerID, sanitizeJSONB(wr.WorkItemPayload),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open worker run: %w", err)
	}
	return id, nil
}

// FinishWorkerRun closes an attempt with its final status and counters.
func (r *Repository) FinishWorkerRun(ctx context.Context, id int64, status string, recordsProcessed int64, errMsg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.worker_runs
		SET status = $2, records_processed = $3, error_message = NULLIF($4, ''), completed_at = NOW()
		WHERE id = $1`, id, status, recordsProcessed, errMsg)
	return err
}

// UpdateWorkerRunProgress bumps the per-attempt record counter.
func (r *Repository) UpdateWorkerRunProgress(ctx context.Context, id int64, recordsProcessed int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.worker_runs SET records_processed = $2 WHERE id = $1`,
		id, recordsProcessed)
	return err
}

// LatestWorkerRun returns the most recent non-cancelled attempt for a
// partition, which is the authoritative one across retries.
func (r *Repository) LatestWorkerRun(ctx context.Context, runID string, partitionID int) (*models.WorkerRun, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, run_id, partition_id, worker_id, status, records_processed,
		       COALESCE(error_message, ''), work_item_payload, started_at, completed_at
		FROM app.worker_runs
		WHERE run_id = $1 AND partition_id = $2 AND status != 'cancelled'
		ORDER BY started_at DESC LIMIT 1`, runID, partitionID)

	var wr models.WorkerRun
	err := row.Scan(&wr.ID, &wr.RunID, &wr.PartitionID, &wr.WorkerID, &wr.Status,
		&wr.RecordsProcessed, &wr.ErrorMessage, &wr.WorkItemPayload, &wr.StartedAt, &wr.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wr, nil
}

// FailedWorkerRuns lists the latest failed attempts of a run, used by the
// retry-workers trigger to republish their retained payloads.
func (r *Repository) FailedWorkerRuns(ctx context.Context, runID string) ([]models.WorkerRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (partition_id)
		       id, run_id, partition_id, worker_id, status, records_processed,
		       COALESCE(error_message, ''), work_item_payload, started_at, completed_at
		FROM app.worker_runs
		WHERE run_id = $1 AND status != 'cancelled'
		ORDER BY partition_id, started_at DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failed []models.WorkerRun
	for rows.Next() {
		var wr models.WorkerRun
		if err := rows.Scan(&wr.ID, &wr.RunID, &wr.PartitionID, &wr.WorkerID, &wr.Status,
			&wr.RecordsProcessed, &wr.ErrorMessage, &wr.WorkItemPayload, &wr.StartedAt, &wr.CompletedAt); err != nil {
			return nil, err
		}
		if wr.Status == models.PartitionFailed {
			failed = append(failed, wr)
		}
	}
	return failed, rows.Err()
}
