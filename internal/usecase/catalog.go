package usecase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/foliosource/bindery/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// WriteCounts reports how many rows an aggregate upsert touched.
type WriteCounts struct {
	Navigations int `json:"navigations"`
	Categories  int `json:"categories"`
	Products    int `json:"products"`
}

// Total sums the counts.
func (c WriteCounts) Total() int { return c.Navigations + c.Categories + c.Products }

// WriteRefs carries the row ids assigned during an upsert so discovered child
// jobs can be enqueued with their parent links.
type WriteRefs struct {
	NavigationIDs map[string]string // source URL -> navigation id
	CategoryID    string
}

// CatalogWriter validates scraped records and persists them in dependency
// order: navigations, then the category, then products.
type CatalogWriter struct {
	Repo domain.CatalogRepository
}

// NewCatalogWriter constructs a CatalogWriter with the given repo.
func NewCatalogWriter(repo domain.CatalogRepository) CatalogWriter {
	return CatalogWriter{Repo: repo}
}

// Validate checks the whole result as a set; one bad record rejects the
// batch before anything is written.
func (w CatalogWriter) Validate(res *domain.ScrapeResult) error {
	var details []string
	v := getValidator()
	for i, rec := range res.Navigations {
		details = appendViolations(details, fmt.Sprintf("navigations[%d]", i), v.Struct(rec))
	}
	if res.Category != nil {
		details = appendViolations(details, "category", v.Struct(*res.Category))
	}
	for i, rec := range res.Summaries {
		details = appendViolations(details, fmt.Sprintf("summaries[%d]", i), v.Struct(rec))
	}
	if res.Product != nil {
		details = appendViolations(details, "product", v.Struct(*res.Product))
	}
	if len(details) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, strings.Join(details, "; "))
	}
	return nil
}

func appendViolations(details []string, prefix string, err error) []string {
	if err == nil {
		return details
	}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			details = append(details, fmt.Sprintf("%s.%s: %s", prefix, strings.ToLower(fe.Field()), fe.Tag()))
		}
		return details
	}
	return append(details, fmt.Sprintf("%s: %v", prefix, err))
}

// UpsertScrapeResult validates and writes a handler result. Partial writes
// stand on failure: upserts are idempotent, so the next attempt converges.
// Product summaries without an explicit category link inherit the category
// written in the same result.
func (w CatalogWriter) UpsertScrapeResult(ctx domain.Context, res *domain.ScrapeResult) (WriteCounts, WriteRefs, error) {
	var counts WriteCounts
	refs := WriteRefs{NavigationIDs: map[string]string{}}
	if res.Empty() {
		return counts, refs, nil
	}
	if err := w.Validate(res); err != nil {
		return counts, refs, err
	}

	for _, rec := range res.Navigations {
		nav, err := w.Repo.UpsertNavigation(ctx, rec)
		if err != nil {
			return counts, refs, err
		}
		counts.Navigations++
		refs.NavigationIDs[nav.SourceURL] = nav.ID
	}

	var categoryID *string
	if res.Category != nil {
		cat, err := w.Repo.UpsertCategory(ctx, *res.Category)
		if err != nil {
			return counts, refs, err
		}
		counts.Categories++
		categoryID = &cat.ID
		refs.CategoryID = cat.ID
	}

	for _, s := range res.Summaries {
		rec := s.Record()
		if rec.CategoryID == nil {
			rec.CategoryID = categoryID
		}
		if _, err := w.Repo.UpsertProduct(ctx, rec); err != nil {
			return counts, refs, err
		}
		counts.Products++
	}

	if res.Product != nil {
		if _, err := w.Repo.UpsertProduct(ctx, *res.Product); err != nil {
			return counts, refs, err
		}
		counts.Products++
	}

	if counts.Products > 0 || counts.Categories > 0 {
		if _, err := w.Repo.RefreshCategoryCounts(ctx); err != nil {
			return counts, refs, err
		}
	}
	return counts, refs, nil
}
