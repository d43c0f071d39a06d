package repository

import (
	"context"
	"encoding/json"
	"log"

	"gemdesk/internal/models"
)

// --- Error log and alerts ---

// LogError appends to app.error_log. Logging must never take a service down,
// so failures are printed and swallowed.
func (r *Repository) LogError(ctx context.Context, service, message, stack string, contextJSON json.RawMessage) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.error_log (service, message, stack, context_json)
		VALUES ($1, $2, NULLIF($3, ''), $4)`,
		service, message, stack, sanitizeJSONB(contextJSON))
	if err != nil {
		log.Printf("[repository] error_log insert failed: %v (original: [%s] %s)", err, service, message)
	}
}

func (r *Repository) ListErrors(ctx context.Context, service string, limit int) ([]models.ErrorLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, service, message, COALESCE(stack, ''), context_json, created_at
		FROM app.error_log
		WHERE ($1 = '' OR service = $1)
		ORDER BY created_at DESC
		LIMIT $2`, service, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ErrorLogEntry
	for rows.Next() {
		var e models.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.Service, &e.Message, &e.Stack, &e.ContextJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertAlert records an operator alert (e.g. a run below the consolidation
// success threshold).
func (r *Repository) InsertAlert(ctx context.Context, kind, runID, message string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.alerts (kind, run_id, message)
		VALUES ($1, NULLIF($2, ''), $3)`, kind, runID, message)
	return err
}
