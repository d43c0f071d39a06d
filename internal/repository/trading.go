package repository

import (
	"context"
	"fmt"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Trading surface: holds and purchases ---
//
// Writes are idempotent on the caller-supplied Idempotency-Key: replays
// return the original row instead of double-booking a stone.

// PlaceHold marks an available diamond on hold and records the hold, in one
// transaction. Returns the hold, or nil when the diamond is not available.
func (r *Repository) PlaceHold(ctx context.Context, hold models.Hold) (*models.Hold, error) {
	if hold.IdempotencyKey != "" {
		if existing, err := r.holdByIdempotencyKey(ctx, hold.IdempotencyKey); err != nil || existing != nil {
			return existing, err
		}
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE app.diamonds
		SET availability = 'on_hold', hold_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND availability = 'available'`,
		hold.DiamondID, hold.ID)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		return nil, nil
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO app.holds (id, diamond_id, customer_ref, idempotency_key)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		RETURNING created_at`,
		hold.ID, hold.DiamondID, hold.CustomerRef, hold.IdempotencyKey,
	).Scan(&hold.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	hold.Active = true
	return &hold, nil
}

// ReleaseHold deactivates a hold and frees the diamond. Returns false when
// the hold does not exist or is already released.
func (r *Repository) ReleaseHold(ctx context.Context, holdID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE app.holds SET active = FALSE, released_at = NOW()
		WHERE id = $1 AND active`, holdID)
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE app.diamonds
		SET availability = 'available', hold_id = NULL, updated_at = NOW()
		WHERE hold_id = $1 AND availability = 'on_hold'`, holdID)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// RecordPurchase marks the diamond sold and records the purchase. A hold on
// the same stone (if any) is consumed. Returns nil when the diamond cannot
// be sold (not active, or held by someone else).
func (r *Repository) RecordPurchase(ctx context.Context, p models.Purchase) (*models.Purchase, error) {
	if p.IdempotencyKey != "" {
		if existing, err := r.purchaseByIdempotencyKey(ctx, p.IdempotencyKey); err != nil || existing != nil {
			return existing, err
		}
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE app.diamonds
		SET availability = 'sold', hold_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		  AND (availability = 'available' OR (availability = 'on_hold' AND hold_id = $2))`,
		p.DiamondID, p.HoldID)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		return nil, nil
	}

	if p.HoldID != "" {
		if _, err := tx.Exec(ctx, `
			UPDATE app.holds SET active = FALSE, released_at = NOW()
			WHERE id = $1 AND active`, p.HoldID); err != nil {
			return nil, err
		}
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO app.purchases (id, diamond_id, hold_id, customer_ref, idempotency_key)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		RETURNING created_at`,
		p.ID, p.DiamondID, p.HoldID, p.CustomerRef, p.IdempotencyKey,
	).Scan(&p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetDiamondAvailability is the operator override for availability.
func (r *Repository) SetDiamondAvailability(ctx context.Context, id int64, availability string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.diamonds
		SET availability = $2,
		    hold_id = CASE WHEN $2 = 'on_hold' THEN hold_id ELSE NULL END,
		    updated_at = NOW()
		WHERE id = $1`, id, availability)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *Repository) holdByIdempotencyKey(ctx context.Context, key string) (*models.Hold, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, diamond_id, COALESCE(customer_ref, ''), COALESCE(idempotency_key, ''),
		       active, created_at, released_at
		FROM app.holds WHERE idempotency_key = $1`, key)
	var h models.Hold
	err := row.Scan(&h.ID, &h.DiamondID, &h.CustomerRef, &h.IdempotencyKey,
		&h.Active, &h.CreatedAt, &h.ReleasedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *Repository) purchaseByIdempotencyKey(ctx context.Context, key string) (*models.Purchase, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, diamond_id, COALESCE(hold_id, ''), COALESCE(customer_ref, ''),
		       COALESCE(idempotency_key, ''), created_at
		FROM app.purchases WHERE idempotency_key = $1`, key)
	var p models.Purchase
	err := row.Scan(&p.ID, &p.DiamondID, &p.HoldID, &p.CustomerRef, &p.IdempotencyKey, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
