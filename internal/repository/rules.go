package repository

import (
	"context"
	"fmt"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Pricing rules ---

func (r *Repository) CreatePricingRule(ctx context.Context, rule models.PricingRule) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.pricing_rules
			(priority, stone_type, price_min, price_max, feed, rating, margin_modifier, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rule.Priority, rule.StoneType, rule.PriceMin, rule.PriceMax,
		rule.Feed, rule.Rating, rule.MarginModifier, rule.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create pricing rule: %w", err)
	}
	return id, nil
}

func (r *Repository) UpdatePricingRule(ctx context.Context, rule models.PricingRule) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.pricing_rules
		SET priority = $2, stone_type = $3, price_min = $4, price_max = $5,
		    feed = $6, rating = $7, margin_modifier = $8, active = $9, updated_at = NOW()
		WHERE id = $1`,
		rule.ID, rule.Priority, rule.StoneType, rule.PriceMin, rule.PriceMax,
		rule.Feed, rule.Rating, rule.MarginModifier, rule.Active)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *Repository) DeletePricingRule(ctx context.Context, id int64) (bool, error) {
	cmd, err := r.db.Exec(ctx, `DELETE FROM app.pricing_rules WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ListPricingRules returns rules in evaluation order. activeOnly is what the
// evaluators use; the rule manager UI lists everything.
func (r *Repository) ListPricingRules(ctx context.Context, activeOnly bool) ([]models.PricingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, priority, stone_type, price_min, price_max, feed, rating,
		       margin_modifier, active, created_at, updated_at
		FROM app.pricing_rules
		WHERE NOT $1 OR active
		ORDER BY priority, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PricingRule
	for rows.Next() {
		var rule models.PricingRule
		if err := rows.Scan(&rule.ID, &rule.Priority, &rule.StoneType, &rule.PriceMin,
			&rule.PriceMax, &rule.Feed, &rule.Rating, &rule.MarginModifier,
			&rule.Active, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) GetPricingRule(ctx context.Context, id int64) (*models.PricingRule, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, priority, stone_type, price_min, price_max, feed, rating,
		       margin_modifier, active, created_at, updated_at
		FROM app.pricing_rules WHERE id = $1`, id)
	var rule models.PricingRule
	err := row.Scan(&rule.ID, &rule.Priority, &rule.StoneType, &rule.PriceMin,
		&rule.PriceMax, &rule.Feed, &rule.Rating, &rule.MarginModifier,
		&rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// --- Rating rules ---

func (r *Repository) CreateRatingRule(ctx context.Context, rule models.RatingRule) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.rating_rules
			(priority, shapes, colors, clarities, cuts, polishes, symmetries,
			 fluorescences, labs, lab_grown, carat_min, carat_max, table_min, table_max,
			 depth_min, depth_max, crown_min, crown_max, pavilion_min, pavilion_max,
			 girdles, culets, ratio_min, ratio_max, price_min, price_max, feed, rating, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		RETURNING id`,
		rule.Priority, rule.Shapes, rule.Colors, rule.Clarities, rule.Cuts,
		rule.Polishes, rule.Symmetries, rule.Fluorescences, rule.Labs, rule.LabGrown,
		rule.CaratMin, rule.CaratMax, rule.TableMin, rule.TableMax,
		rule.DepthMin, rule.DepthMax, rule.CrownMin, rule.CrownMax,
		rule.PavilionMin, rule.PavilionMax, rule.Girdles, rule.Culets,
		rule.RatioMin, rule.RatioMax, rule.PriceMin, rule.PriceMax,
		rule.Feed, rule.Rating, rule.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create rating rule: %w", err)
	}
	return id, nil
}

func (r *Repository) UpdateRatingRule(ctx context.Context, rule models.RatingRule) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.rating_rules
		SET priority = $2, shapes = $3, colors = $4, clarities = $5, cuts = $6,
		    polishes = $7, symmetries = $8, fluorescences = $9, labs = $10,
		    lab_grown = $11, carat_min = $12, carat_max = $13, table_min = $14,
		    table_max = $15, depth_min = $16, depth_max = $17, crown_min = $18,
		    crown_max = $19, pavilion_min = $20, pavilion_max = $21, girdles = $22,
		    culets = $23, ratio_min = $24, ratio_max = $25, price_min = $26,
		    price_max = $27, feed = $28, rating = $29, active = $30, updated_at = NOW()
		WHERE id = $1`,
		rule.ID, rule.Priority, rule.Shapes, rule.Colors, rule.Clarities, rule.Cuts,
		rule.Polishes, rule.Symmetries, rule.Fluorescences, rule.Labs, rule.LabGrown,
		rule.CaratMin, rule.CaratMax, rule.TableMin, rule.TableMax,
		rule.DepthMin, rule.DepthMax, rule.CrownMin, rule.CrownMax,
		rule.PavilionMin, rule.PavilionMax, rule.Girdles, rule.Culets,
		rule.RatioMin, rule.RatioMax, rule.PriceMin, rule.PriceMax,
		rule.Feed, rule.Rating, rule.Active)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *Repository) DeleteRatingRule(ctx context.Context, id int64) (bool, error) {
	cmd, err := r.db.Exec(ctx, `DELETE FROM app.rating_rules WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *Repository) ListRatingRules(ctx context.Context, activeOnly bool) ([]models.RatingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, priority, shapes, colors, clarities, cuts, polishes, symmetries,
		       fluorescences, labs, lab_grown, carat_min, carat_max, table_min, table_max,
		       depth_min, depth_max, crown_min, crown_max, pavilion_min, pavilion_max,
		       girdles, culets, ratio_min, ratio_max, price_min, price_max, feed,
		       rating, active, created_at, updated_at
		FROM app.rating_rules
		WHERE NOT $1 OR active
		ORDER BY priority, id`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RatingRule
	for rows.Next() {
		var rule models.RatingRule
		if err := rows.Scan(&rule.ID, &rule.Priority, &rule.Shapes, &rule.Colors,
			&rule.Clarities, &rule.Cuts, &rule.Polishes, &rule.Symmetries,
			&rule.Fluorescences, &rule.Labs, &rule.LabGrown,
			&rule.CaratMin, &rule.CaratMax, &rule.TableMin, &rule.TableMax,
			&rule.DepthMin, &rule.DepthMax, &rule.CrownMin, &rule.CrownMax,
			&rule.PavilionMin, &rule.PavilionMax, &rule.Girdles, &rule.Culets,
			&rule.RatioMin, &rule.RatioMax, &rule.PriceMin, &rule.PriceMax,
			&rule.Feed, &rule.Rating, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) GetRatingRule(ctx context.Context, id int64) (*models.RatingRule, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, priority, shapes, colors, clarities, cuts, polishes, symmetries,
		       fluorescences, labs, lab_grown, carat_min, carat_max, table_min, table_max,
		       depth_min, depth_max, crown_min, crown_max, pavilion_min, pavilion_max,
		       girdles, culets, ratio_min, ratio_max, price_min, price_max, feed,
		       rating, active, created_at, updated_at
		FROM app.rating_rules WHERE id = $1`, id)
	var rule models.RatingRule
	err := row.Scan(&rule.ID, &rule.Priority, &rule.Shapes, &rule.Colors,
		&rule.Clarities, &rule.Cuts, &rule.Polishes, &rule.Symmetries,
		&rule.Fluorescences, &rule.Labs, &rule.LabGrown,
		&rule.CaratMin, &rule.CaratMax, &rule.TableMin, &rule.TableMax,
		&rule.DepthMin, &rule.DepthMax, &rule.CrownMin, &rule.CrownMax,
		&rule.PavilionMin, &rule.PavilionMax, &rule.Girdles, &rule.Culets,
		&rule.RatioMin, &rule.RatioMax, &rule.PriceMin, &rule.PriceMax,
		&rule.Feed, &rule.Rating, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
