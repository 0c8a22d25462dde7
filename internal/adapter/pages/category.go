package pages

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/foliosource/bindery/internal/domain"
)

// maxListingPages bounds pagination so a broken next link cannot spin a
// worker for its whole lease.
const maxListingPages = 50

// CategoryHandler scrapes one category listing: the category itself plus a
// summary per product, following pagination.
type CategoryHandler struct {
	fetcher *SiteFetcher
}

// NewCategoryHandler builds the handler over the shared fetcher.
func NewCategoryHandler(f *SiteFetcher) *CategoryHandler {
	return &CategoryHandler{fetcher: f}
}

// Type implements domain.PageHandler.
func (h *CategoryHandler) Type() domain.JobType { return domain.JobTypeCategory }

// Handle walks the listing pages of one category. An upstream navigation job
// may pass navigation_id through job metadata to link the category.
func (h *CategoryHandler) Handle(ctx domain.Context, job domain.Job) (*domain.ScrapeResult, error) {
	doc, pageURL, err := h.fetcher.Get(ctx, job.TargetURL)
	if err != nil {
		return nil, err
	}

	title := cleanText(doc.Find("div.page-header h1").First().Text())
	if title == "" {
		title = cleanText(doc.Find("h1").First().Text())
	}
	if title == "" {
		return nil, fmt.Errorf("op=pages.category: no title on %s: %w", pageURL, domain.ErrParseFailed)
	}

	cat := domain.CategoryRecord{
		Title:        title,
		SourceURL:    pageURL,
		NavigationID: metaString(job.Metadata, "navigation_id"),
	}

	seen := make(map[string]bool)
	var summaries []domain.ProductSummary
	for page := 0; page < maxListingPages; page++ {
		summaries = append(summaries, h.extract(doc, pageURL, seen)...)

		next, ok := doc.Find("li.next a").First().Attr("href")
		if !ok {
			break
		}
		nextURL := absURL(pageURL, next)
		if nextURL == "" {
			break
		}
		doc, pageURL, err = h.fetcher.Get(ctx, nextURL)
		if err != nil {
			return nil, err
		}
	}

	if cat.Thumbnail == "" && len(summaries) > 0 {
		cat.Thumbnail = summaries[0].Thumbnail
	}
	return &domain.ScrapeResult{Category: &cat, Summaries: summaries}, nil
}

func (h *CategoryHandler) extract(doc *goquery.Document, pageURL string, seen map[string]bool) []domain.ProductSummary {
	var out []domain.ProductSummary
	doc.Find("article.product_pod").Each(func(_ int, pod *goquery.Selection) {
		link := pod.Find("h3 a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs := absURL(pageURL, href)
		if abs == "" {
			return
		}
		norm, err := h.fetcher.Normalize(abs)
		if err != nil || seen[norm] || h.fetcher.Allowed(norm) != nil {
			return
		}
		title := cleanText(link.AttrOr("title", ""))
		if title == "" {
			title = cleanText(link.Text())
		}
		if title == "" {
			return
		}
		seen[norm] = true

		price, currency := parsePrice(pod.Find("p.price_color").First().Text())
		thumb := ""
		if src, ok := pod.Find("div.image_container img").First().Attr("src"); ok {
			thumb = absURL(pageURL, src)
		}
		out = append(out, domain.ProductSummary{
			Title:     title,
			SourceURL: norm,
			Price:     price,
			Currency:  currency,
			Thumbnail: thumb,
		})
	})
	return out
}
