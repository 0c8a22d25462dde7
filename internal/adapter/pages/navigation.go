package pages

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/foliosource/bindery/internal/domain"
)

// NavigationHandler discovers the site's taxonomy from the storefront's
// category menu.
type NavigationHandler struct {
	fetcher *SiteFetcher
}

// NewNavigationHandler builds the handler over the shared fetcher.
func NewNavigationHandler(f *SiteFetcher) *NavigationHandler {
	return &NavigationHandler{fetcher: f}
}

// Type implements domain.PageHandler.
func (h *NavigationHandler) Type() domain.JobType { return domain.JobTypeNavigation }

// Handle extracts navigation records from the page's category menu. The
// sidebar menu is authoritative; a bare nav element is the fallback for
// themes without one.
func (h *NavigationHandler) Handle(ctx domain.Context, job domain.Job) (*domain.ScrapeResult, error) {
	doc, pageURL, err := h.fetcher.Get(ctx, job.TargetURL)
	if err != nil {
		return nil, err
	}

	links := doc.Find("div.side_categories ul.nav-list li ul li a")
	if links.Length() == 0 {
		links = doc.Find("nav a, ul.nav-list a")
	}

	seen := make(map[string]bool)
	var recs []domain.NavigationRecord
	links.Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		abs := absURL(pageURL, href)
		if abs == "" {
			return
		}
		norm, err := h.fetcher.Normalize(abs)
		if err != nil || seen[norm] {
			return
		}
		if h.fetcher.Allowed(norm) != nil {
			return
		}
		title := cleanText(a.Text())
		if title == "" {
			return
		}
		seen[norm] = true
		recs = append(recs, domain.NavigationRecord{
			Title:     title,
			SourceURL: norm,
		})
	})

	if len(recs) == 0 {
		return nil, fmt.Errorf("op=pages.navigation: no entries on %s: %w", pageURL, domain.ErrParseFailed)
	}
	return &domain.ScrapeResult{Navigations: recs}, nil
}
