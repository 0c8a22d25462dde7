package pages

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/foliosource/bindery/internal/domain"
)

// ProductHandler scrapes one product detail page into a full record.
type ProductHandler struct {
	fetcher *SiteFetcher
}

// NewProductHandler builds the handler over the shared fetcher.
func NewProductHandler(f *SiteFetcher) *ProductHandler {
	return &ProductHandler{fetcher: f}
}

// Type implements domain.PageHandler.
func (h *ProductHandler) Type() domain.JobType { return domain.JobTypeProduct }

// Handle extracts the product record. Image URLs stay origin URLs here; the
// worker's image stage swaps them for canonical ones before persistence.
func (h *ProductHandler) Handle(ctx domain.Context, job domain.Job) (*domain.ScrapeResult, error) {
	doc, pageURL, err := h.fetcher.Get(ctx, job.TargetURL)
	if err != nil {
		return nil, err
	}

	main := doc.Find("div.product_main").First()
	title := cleanText(main.Find("h1").First().Text())
	if title == "" {
		title = cleanText(doc.Find("h1").First().Text())
	}
	if title == "" {
		return nil, fmt.Errorf("op=pages.product: no title on %s: %w", pageURL, domain.ErrParseFailed)
	}

	price, currency := parsePrice(main.Find("p.price_color").First().Text())
	if price == nil {
		price, currency = parsePrice(doc.Find("p.price_color").First().Text())
	}

	summary := cleanText(doc.Find("#product_description").NextFiltered("p").First().Text())

	specs := make(map[string]any)
	sourceID := ""
	doc.Find("table.table-striped tr, table.product-specs tr").Each(func(_ int, row *goquery.Selection) {
		key := cleanText(row.Find("th").First().Text())
		val := cleanText(row.Find("td").First().Text())
		if key == "" || val == "" {
			return
		}
		specs[key] = val
		if strings.EqualFold(key, "UPC") || strings.EqualFold(key, "SKU") {
			sourceID = val
		}
	})

	available := true
	if avail := cleanText(doc.Find("p.availability, p.instock").First().Text()); avail != "" {
		available = strings.Contains(strings.ToLower(avail), "in stock")
	}

	seen := make(map[string]bool)
	var images []string
	doc.Find("div.carousel img, div.item img, div.thumbnail img, div.image_container img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok {
			src = img.AttrOr("data-src", "")
		}
		abs := absURL(pageURL, src)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		images = append(images, abs)
	})

	rec := domain.ProductRecord{
		Title:      title,
		SourceURL:  pageURL,
		SourceID:   sourceID,
		CategoryID: metaString(job.Metadata, "category_id"),
		Price:      price,
		Currency:   currency,
		ImageURLs:  images,
		Summary:    summary,
		Specs:      specs,
		Available:  &available,
	}
	return &domain.ScrapeResult{Product: &rec}, nil
}
