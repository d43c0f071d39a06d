package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// sanitizeForPG removes PostgreSQL-incompatible bytes from strings:
// null bytes and invalid UTF-8 sequences.
func sanitizeForPG(s string) string {
	s = strings.ReplaceAll(s, "\\u0000", "")
	if strings.ContainsRune(s, 0) {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// sanitizeJSONB sanitizes a json.RawMessage for PostgreSQL JSONB insertion.
// Removes null bytes and invalid UTF-8, then validates JSON. Returns nil if invalid/empty.
func sanitizeJSONB(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	s := sanitizeForPG(string(raw))
	if !json.Valid([]byte(s)) {
		return nil
	}
	return []byte(s)
}

// --- Raw staging store ---

// UpsertRawItems writes one page of upstream payloads in a single batch.
// Re-fetching an unchanged item only touches run_id/updated_at; a changed
// payload_hash resets consolidated to 'false' so the consolidator picks the
// item up again.
func (r *Repository) UpsertRawItems(ctx context.Context, items []models.RawItem) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO raw.raw_items
				(feed, supplier_stone_id, run_id, offer_id, source_updated_at, payload, payload_hash, consolidated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'false')
			ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
				run_id            = EXCLUDED.run_id,
				offer_id          = EXCLUDED.offer_id,
				source_updated_at = EXCLUDED.source_updated_at,
				payload           = EXCLUDED.payload,
				payload_hash      = EXCLUDED.payload_hash,
				consolidated      = CASE
					WHEN raw.raw_items.payload_hash = EXCLUDED.payload_hash THEN raw.raw_items.consolidated
					ELSE 'false'
				END,
				consolidate_error = CASE
					WHEN raw.raw_items.payload_hash = EXCLUDED.payload_hash THEN raw.raw_items.consolidate_error
					ELSE NULL
				END,
				updated_at        = NOW()`,
			item.Feed, item.SupplierStoneID, item.RunID, item.OfferID,
			item.SourceUpdatedAt, sanitizeJSONB(item.Payload), item.PayloadHash)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for range items {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert raw items: %w", err)
		}
	}
	return nil
}

// FetchUnconsolidated returns a batch of raw items still needing
// consolidation for a run, keyset-paginated by supplier_stone_id. force
// widens the scan to already-consolidated items so a forced pass
// re-processes everything.
func (r *Repository) FetchUnconsolidated(ctx context.Context, runID string, force bool, afterStoneID string, limit int) ([]models.RawItem, error) {
	if limit <= 0 {
		limit = 500
	}
	states := []string{models.ConsolidatedFalse, models.ConsolidatedFailed}
	if force {
		states = append(states, models.ConsolidatedTrue)
	}
	rows, err := r.db.Query(ctx, `
		SELECT feed, supplier_stone_id, run_id, COALESCE(offer_id, ''), source_updated_at,
		       payload, payload_hash, consolidated, COALESCE(consolidate_error, ''),
		       created_at, updated_at
		FROM raw.raw_items
		WHERE run_id = $1 AND consolidated = ANY($2) AND supplier_stone_id > $3
		ORDER BY supplier_stone_id
		LIMIT $4`, runID, states, afterStoneID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.RawItem
	for rows.Next() {
		var item models.RawItem
		if err := rows.Scan(&item.Feed, &item.SupplierStoneID, &item.RunID, &item.OfferID,
			&item.SourceUpdatedAt, &item.Payload, &item.PayloadHash, &item.Consolidated,
			&item.ConsolidateError, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkConsolidated stamps a raw item's consolidation outcome. errMsg is only
// stored for the failed state.
func (r *Repository) MarkConsolidated(ctx context.Context, feed, stoneID, state, errMsg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE raw.raw_items
		SET consolidated = $3, consolidate_error = NULLIF($4, ''), updated_at = NOW()
		WHERE feed = $1 AND supplier_stone_id = $2`,
		feed, stoneID, state, errMsg)
	return err
}

// ResetFailedItems flips failed items of a run back to 'false' ahead of a
// forced resume. Returns the number reset.
func (r *Repository) ResetFailedItems(ctx context.Context, runID string) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE raw.raw_items
		SET consolidated = 'false', consolidate_error = NULL, updated_at = NOW()
		WHERE run_id = $1 AND consolidated = 'failed'`, runID)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// ConsolidationProgress reports per-state counts for a run.
func (r *Repository) ConsolidationProgress(ctx context.Context, runID string) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT consolidated, COUNT(*)
		FROM raw.raw_items
		WHERE run_id = $1
		GROUP BY consolidated`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// MaxSourceUpdatedAt returns the newest source timestamp staged by a run,
// the value the feed watermark advances to.
func (r *Repository) MaxSourceUpdatedAt(ctx context.Context, runID string) (*time.Time, error) {
	var ts *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(source_updated_at) FROM raw.raw_items WHERE run_id = $1`, runID).Scan(&ts)
	if err != nil {
		return nil, err
	}
	return ts, nil
}
