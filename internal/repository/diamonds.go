package repository

import (
	"context"
	"fmt"

	"gemdesk/internal/models"

	"github.com/jackc/pgx/v5"
)

// --- Canonical diamond store ---

const diamondColumns = `
	id, feed, supplier_stone_id, COALESCE(shape, ''), COALESCE(carats, 0),
	COALESCE(color, ''), COALESCE(fancy_color, ''), COALESCE(clarity, ''),
	COALESCE(cut, ''), COALESCE(polish, ''), COALESCE(symmetry, ''),
	COALESCE(fluorescence, ''), COALESCE(lab, ''), COALESCE(certificate_no, ''),
	lab_grown, COALESCE(length_mm, 0), COALESCE(width_mm, 0), COALESCE(depth_mm, 0),
	COALESCE(table_pct, 0), COALESCE(depth_pct, 0), COALESCE(crown_angle, 0),
	COALESCE(pavilion_angle, 0), COALESCE(girdle, ''), COALESCE(culet, ''),
	COALESCE(ratio, 0), media_urls, supplier_price, COALESCE(price_per_carat, 0),
	COALESCE(retail_price, 0), COALESCE(markup_ratio, 0), rating, availability,
	COALESCE(hold_id, ''), status, source_updated_at, created_at, updated_at`

func scanDiamond(row pgx.Row) (models.Diamond, error) {
	var d models.Diamond
	err := row.Scan(&d.ID, &d.Feed, &d.SupplierStoneID, &d.Shape, &d.Carats,
		&d.Color, &d.FancyColor, &d.Clarity, &d.Cut, &d.Polish, &d.Symmetry,
		&d.Fluorescence, &d.Lab, &d.CertificateNo, &d.LabGrown,
		&d.LengthMM, &d.WidthMM, &d.DepthMM, &d.TablePct, &d.DepthPct,
		&d.CrownAngle, &d.PavilionAngle, &d.Girdle, &d.Culet, &d.Ratio,
		&d.MediaURLs, &d.SupplierPrice, &d.PricePerCarat, &d.RetailPrice,
		&d.MarkupRatio, &d.Rating, &d.Availability, &d.HoldID, &d.Status,
		&d.SourceUpdatedAt, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// UpsertDiamond writes a consolidated diamond keyed by
// (feed, supplier_stone_id). On update the id, availability, hold_id and
// status columns are preserved: those belong to the trading surface, not the
// pipeline.
func (r *Repository) UpsertDiamond(ctx context.Context, d models.Diamond) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.diamonds
			(feed, supplier_stone_id, shape, carats, color, fancy_color, clarity, cut,
			 polish, symmetry, fluorescence, lab, certificate_no, lab_grown,
			 length_mm, width_mm, depth_mm, table_pct, depth_pct, crown_angle,
			 pavilion_angle, girdle, culet, ratio, media_urls, supplier_price,
			 price_per_carat, retail_price, markup_ratio, rating, source_updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, 0), NULLIF($5, ''), NULLIF($6, ''),
		        NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
		        NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14,
		        NULLIF($15, 0), NULLIF($16, 0), NULLIF($17, 0), NULLIF($18, 0),
		        NULLIF($19, 0), NULLIF($20, 0), NULLIF($21, 0), NULLIF($22, ''),
		        NULLIF($23, ''), NULLIF($24, 0), $25, $26, NULLIF($27, 0),
		        NULLIF($28, 0), NULLIF($29, 0), $30, $31)
		ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
			shape             = EXCLUDED.shape,
			carats            = EXCLUDED.carats,
			color             = EXCLUDED.color,
			fancy_color       = EXCLUDED.fancy_color,
			clarity           = EXCLUDED.clarity,
			cut               = EXCLUDED.cut,
			polish            = EXCLUDED.polish,
			symmetry          = EXCLUDED.symmetry,
			fluorescence      = EXCLUDED.fluorescence,
			lab               = EXCLUDED.lab,
			certificate_no    = EXCLUDED.certificate_no,
			lab_grown         = EXCLUDED.lab_grown,
			length_mm         = EXCLUDED.length_mm,
			width_mm          = EXCLUDED.width_mm,
			depth_mm          = EXCLUDED.depth_mm,
			table_pct         = EXCLUDED.table_pct,
			depth_pct         = EXCLUDED.depth_pct,
			crown_angle       = EXCLUDED.crown_angle,
			pavilion_angle    = EXCLUDED.pavilion_angle,
			girdle            = EXCLUDED.girdle,
			culet             = EXCLUDED.culet,
			ratio             = EXCLUDED.ratio,
			media_urls        = EXCLUDED.media_urls,
			supplier_price    = EXCLUDED.supplier_price,
			price_per_carat   = EXCLUDED.price_per_carat,
			retail_price      = EXCLUDED.retail_price,
			markup_ratio      = EXCLUDED.markup_ratio,
			rating            = EXCLUDED.rating,
			source_updated_at = EXCLUDED.source_updated_at,
			updated_at        = NOW()
		RETURNING id`,
		d.Feed, d.SupplierStoneID, d.Shape, d.Carats, d.Color, d.FancyColor,
		d.Clarity, d.Cut, d.Polish, d.Symmetry, d.Fluorescence, d.Lab,
		d.CertificateNo, d.LabGrown, d.LengthMM, d.WidthMM, d.DepthMM,
		d.TablePct, d.DepthPct, d.CrownAngle, d.PavilionAngle, d.Girdle,
		d.Culet, d.Ratio, sanitizeJSONB(d.MediaURLs), d.SupplierPrice,
		d.PricePerCarat, d.RetailPrice, d.MarkupRatio, d.Rating, d.SourceUpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert diamond %s/%s: %w", d.Feed, d.SupplierStoneID, err)
	}
	return id, nil
}

func (r *Repository) GetDiamond(ctx context.Context, id int64) (*models.Diamond, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+diamondColumns+` FROM app.diamonds WHERE id = $1`, id)
	d, err := scanDiamond(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DiamondFilter narrows storefront listings. Zero values are wildcards.
type DiamondFilter struct {
	Feed     string
	Shape    string
	PriceMin float64
	PriceMax float64
	CaratMin float64
	CaratMax float64
	Limit    int
	Offset   int64
}

func (r *Repository) ListDiamonds(ctx context.Context, f DiamondFilter) ([]models.Diamond, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+diamondColumns+`
		FROM app.diamonds
		WHERE status = 'active'
		  AND ($1 = '' OR feed = $1)
		  AND ($2 = '' OR shape = $2)
		  AND ($3::float8 = 0 OR retail_price >= $3)
		  AND ($4::float8 = 0 OR retail_price <= $4)
		  AND ($5::float8 = 0 OR carats >= $5)
		  AND ($6::float8 = 0 OR carats <= $6)
		ORDER BY id
		LIMIT $7 OFFSET $8`,
		f.Feed, f.Shape, f.PriceMin, f.PriceMax, f.CaratMin, f.CaratMax, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Diamond
	for rows.Next() {
		d, err := scanDiamond(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveDiamondPage streams active diamonds for the reapply engine, keyset
// paginated by id. feed is optional.
func (r *Repository) ActiveDiamondPage(ctx context.Context, feed string, afterID int64, limit int) ([]models.Diamond, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+diamondColumns+`
		FROM app.diamonds
		WHERE status = 'active' AND id > $1 AND ($2 = '' OR feed = $2)
		ORDER BY id
		LIMIT $3`, afterID, feed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Diamond
	for rows.Next() {
		d, err := scanDiamond(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountActiveDiamonds sizes a reapply job up front.
func (r *Repository) CountActiveDiamonds(ctx context.Context, feed string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM app.diamonds
		WHERE status = 'active' AND ($1 = '' OR feed = $1)`, feed).Scan(&n)
	return n, err
}

// UpdateDiamondPricing rewrites the pricing outputs of one diamond.
func (r *Repository) UpdateDiamondPricing(ctx context.Context, id int64, retailPrice, markupRatio float64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.diamonds
		SET retail_price = $2, markup_ratio = $3, updated_at = NOW()
		WHERE id = $1`, id, retailPrice, markupRatio)
	return err
}

// UpdateDiamondRating rewrites the rating of one diamond (nil clears it).
func (r *Repository) UpdateDiamondRating(ctx context.Context, id int64, rating *int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.diamonds SET rating = $2, updated_at = NOW() WHERE id = $1`, id, rating)
	return err
}
