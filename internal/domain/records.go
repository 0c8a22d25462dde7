package domain

// Scraped records are the page handlers' output and the catalog writer's
// input. Validation tags are enforced by the writer before any row is
// touched; a batch with one bad record writes nothing.

type NavigationRecord struct {
	Title     string  `json:"title" validate:"required,min=1,max=512"`
	SourceURL string  `json:"source_url" validate:"required,url"`
	ParentID  *string `json:"parent_id,omitempty" validate:"omitempty,uuid4"`
}

type CategoryRecord struct {
	Title        string  `json:"title" validate:"required,min=1,max=512"`
	SourceURL    string  `json:"source_url" validate:"required,url"`
	NavigationID *string `json:"navigation_id,omitempty" validate:"omitempty,uuid4"`
	Thumbnail    string  `json:"thumbnail,omitempty" validate:"omitempty,url"`
}

// ProductSummary is the partial product a category listing exposes. It
// upserts into the same product row a later product job refines.
type ProductSummary struct {
	Title     string   `json:"title" validate:"required,min=1,max=1024"`
	SourceURL string   `json:"source_url" validate:"required,url"`
	Price     *float64 `json:"price,omitempty" validate:"omitempty,gt=0"`
	Currency  string   `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Thumbnail string   `json:"thumbnail,omitempty" validate:"omitempty,url"`
}

type ProductRecord struct {
	Title      string         `json:"title" validate:"required,min=1,max=1024"`
	SourceURL  string         `json:"source_url" validate:"required,url"`
	SourceID   string         `json:"source_id,omitempty" validate:"omitempty,max=128"`
	CategoryID *string        `json:"category_id,omitempty" validate:"omitempty,uuid4"`
	Price      *float64       `json:"price,omitempty" validate:"omitempty,gt=0"`
	Currency   string         `json:"currency,omitempty" validate:"omitempty,iso4217"`
	ImageURLs  []string       `json:"image_urls,omitempty" validate:"omitempty,dive,url"`
	Summary    string         `json:"summary,omitempty"`
	Specs      map[string]any `json:"specs,omitempty"`
	Available  *bool          `json:"available,omitempty"`
}

// Record converts a listing summary to a sparse product record.
func (s ProductSummary) Record() ProductRecord {
	rec := ProductRecord{
		Title:     s.Title,
		SourceURL: s.SourceURL,
		Price:     s.Price,
		Currency:  s.Currency,
	}
	if s.Thumbnail != "" {
		rec.ImageURLs = []string{s.Thumbnail}
	}
	return rec
}

// ScrapeResult is a page handler's typed output. Exactly the fields for the
// handler's page kind are set: Navigations for navigation pages, Category
// plus Summaries for category pages, Product for product pages.
type ScrapeResult struct {
	Navigations []NavigationRecord `json:"navigations,omitempty"`
	Category    *CategoryRecord    `json:"category,omitempty"`
	Summaries   []ProductSummary   `json:"summaries,omitempty"`
	Product     *ProductRecord     `json:"product,omitempty"`
}

// Empty reports whether the result carries no records at all.
func (r *ScrapeResult) Empty() bool {
	if r == nil {
		return true
	}
	return len(r.Navigations) == 0 && r.Category == nil && len(r.Summaries) == 0 && r.Product == nil
}
