package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/foliosource/bindery/internal/domain"
)

// CatalogRepo is the PostgreSQL implementation of domain.CatalogRepository.
// Every upsert keys on source_url and preserves created_at; all other fields
// are replaced in place.
type CatalogRepo struct{ Pool PgxPool }

// NewCatalogRepo constructs a CatalogRepo with the given pool.
func NewCatalogRepo(p PgxPool) *CatalogRepo { return &CatalogRepo{Pool: p} }

// UpsertNavigation inserts or replaces a navigation entry.
func (r *CatalogRepo) UpsertNavigation(ctx domain.Context, rec domain.NavigationRecord) (domain.Navigation, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "catalog.UpsertNavigation")
	defer span.End()

	q := `INSERT INTO navigation (title, source_url, parent_id)
		VALUES ($1, $2, $3::uuid)
		ON CONFLICT (source_url) DO UPDATE SET
			title = EXCLUDED.title,
			parent_id = EXCLUDED.parent_id,
			last_scraped_at = now(),
			updated_at = now()
		RETURNING id::text, title, source_url, parent_id::text, last_scraped_at, created_at, updated_at`
	var n domain.Navigation
	err := r.Pool.QueryRow(ctx, q, rec.Title, rec.SourceURL, rec.ParentID).Scan(
		&n.ID, &n.Title, &n.SourceURL, &n.ParentID, &n.LastScrapedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return domain.Navigation{}, fmt.Errorf("op=catalog.upsert_navigation: %w", storeErr(err))
	}
	return n, nil
}

// UpsertCategory inserts or replaces a category. product_count is derived
// state and deliberately untouched here; RefreshCategoryCounts owns it.
func (r *CatalogRepo) UpsertCategory(ctx domain.Context, rec domain.CategoryRecord) (domain.Category, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "catalog.UpsertCategory")
	defer span.End()

	q := `INSERT INTO category (navigation_id, title, source_url)
		VALUES ($1::uuid, $2, $3)
		ON CONFLICT (source_url) DO UPDATE SET
			navigation_id = EXCLUDED.navigation_id,
			title = EXCLUDED.title,
			last_scraped_at = now(),
			updated_at = now()
		RETURNING id::text, navigation_id::text, title, source_url, product_count, last_scraped_at, created_at, updated_at`
	var c domain.Category
	err := r.Pool.QueryRow(ctx, q, rec.NavigationID, rec.Title, rec.SourceURL).Scan(
		&c.ID, &c.NavigationID, &c.Title, &c.SourceURL, &c.ProductCount, &c.LastScrapedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Category{}, fmt.Errorf("op=catalog.upsert_category: %w", storeErr(err))
	}
	return c, nil
}

// UpsertProduct inserts or replaces a product row.
func (r *CatalogRepo) UpsertProduct(ctx domain.Context, rec domain.ProductRecord) (domain.Product, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "catalog.UpsertProduct")
	defer span.End()

	currency := rec.Currency
	if currency == "" {
		currency = "GBP"
	}
	available := true
	if rec.Available != nil {
		available = *rec.Available
	}
	images := rec.ImageURLs
	if images == nil {
		images = []string{}
	}
	specs := rec.Specs
	if specs == nil {
		specs = map[string]any{}
	}
	specsJSON, err := json.Marshal(specs)
	if err != nil {
		return domain.Product{}, fmt.Errorf("op=catalog.upsert_product: %w", err)
	}
	var sourceID *string
	if rec.SourceID != "" {
		sourceID = &rec.SourceID
	}
	var summary *string
	if rec.Summary != "" {
		summary = &rec.Summary
	}

	q := `INSERT INTO product (category_id, title, source_url, source_id, price, currency, image_urls, summary, specs, available)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		ON CONFLICT (source_url) DO UPDATE SET
			category_id = EXCLUDED.category_id,
			title = EXCLUDED.title,
			source_id = EXCLUDED.source_id,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			image_urls = EXCLUDED.image_urls,
			summary = EXCLUDED.summary,
			specs = EXCLUDED.specs,
			available = EXCLUDED.available,
			last_scraped_at = now(),
			updated_at = now()
		RETURNING id::text, category_id::text, title, source_url, source_id, price, currency,
			image_urls, summary, specs, available, last_scraped_at, created_at, updated_at`
	var p domain.Product
	var specsRaw []byte
	err = r.Pool.QueryRow(ctx, q,
		rec.CategoryID, rec.Title, rec.SourceURL, sourceID, rec.Price, currency, images, summary, specsJSON, available,
	).Scan(
		&p.ID, &p.CategoryID, &p.Title, &p.SourceURL, &p.SourceID, &p.Price, &p.Currency,
		&p.ImageURLs, &p.Summary, &specsRaw, &p.Available, &p.LastScrapedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Product{}, fmt.Errorf("op=catalog.upsert_product: %w", storeErr(err))
	}
	if len(specsRaw) > 0 {
		if err := json.Unmarshal(specsRaw, &p.Specs); err != nil {
			return domain.Product{}, fmt.Errorf("op=catalog.upsert_product: %w", err)
		}
	}
	return p, nil
}

// RefreshCategoryCounts recomputes category.product_count from the product
// table. Categories with no products get zero. Returns rows changed.
func (r *CatalogRepo) RefreshCategoryCounts(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.catalog")
	ctx, span := tracer.Start(ctx, "catalog.RefreshCategoryCounts")
	defer span.End()

	q := `UPDATE category c
		SET product_count = sub.cnt, updated_at = now()
		FROM (
			SELECT c2.id, count(p.id)::int AS cnt
			FROM category c2
			LEFT JOIN product p ON p.category_id = c2.id
			GROUP BY c2.id
		) sub
		WHERE sub.id = c.id AND c.product_count IS DISTINCT FROM sub.cnt`
	tag, err := r.Pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("op=catalog.refresh_counts: %w", storeErr(err))
	}
	return tag.RowsAffected(), nil
}

// storeErr keeps sentinel mapping in one place: no-rows reads are ErrNotFound,
// anything else from the store wraps ErrStoreFailed for the worker's taxonomy.
func storeErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreFailed, err)
}
