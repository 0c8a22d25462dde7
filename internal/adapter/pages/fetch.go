// Package pages implements the page handlers for the storefront: one per
// job type, all sharing a policy-checked, rate-limited site fetcher.
package pages

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/urlpolicy"
)

// SiteFetcher downloads storefront pages. Every request passes the URL
// policy first and then waits on a per-host limiter, so handlers cannot
// hammer the site no matter how fast the queue drains.
type SiteFetcher struct {
	client    *http.Client
	userAgent string
	policy    *urlpolicy.Policy
	minDelay  time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSiteFetcher creates a fetcher with OpenTelemetry tracing on the client.
func NewSiteFetcher(policy *urlpolicy.Policy, userAgent string, timeout, minDelay time.Duration) *SiteFetcher {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Scrape %s %s", r.Method, r.URL.Host)
		}),
	)
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SiteFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		userAgent: userAgent,
		policy:    policy,
		minDelay:  minDelay,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (f *SiteFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[host]; ok {
		return l
	}
	interval := f.policy.Delay(f.userAgent)
	if f.minDelay > interval {
		interval = f.minDelay
	}
	l := rate.NewLimiter(rate.Every(interval), 1)
	f.limiters[host] = l
	return l
}

// Get fetches an allowed page and parses it. It returns the document and
// the normalized URL the records should carry as source_url.
func (f *SiteFetcher) Get(ctx domain.Context, pageURL string) (*goquery.Document, string, error) {
	doc, norm, err := f.get(ctx, pageURL)
	switch {
	case err == nil:
		observability.ObservePageFetch("ok")
	case errors.Is(err, domain.ErrPolicyDenied), errors.Is(err, domain.ErrInvalidArgument):
		observability.ObservePageFetch("denied")
	default:
		observability.ObservePageFetch("error")
	}
	return doc, norm, err
}

func (f *SiteFetcher) get(ctx domain.Context, pageURL string) (*goquery.Document, string, error) {
	norm, err := f.policy.Normalize(pageURL)
	if err != nil {
		return nil, "", err
	}
	if err := f.policy.Allowed(norm); err != nil {
		return nil, "", err
	}
	u, err := url.Parse(norm)
	if err != nil {
		return nil, "", fmt.Errorf("op=pages.get: %w", domain.ErrInvalidArgument)
	}

	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("op=pages.get: %w: %w", domain.ErrFetchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, norm, nil)
	if err != nil {
		return nil, "", fmt.Errorf("op=pages.get: %w: %w", domain.ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("op=pages.get: %w: %w", domain.ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("op=pages.get: status %d for %s: %w", resp.StatusCode, norm, domain.ErrFetchFailed)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("op=pages.get: %w: %w", domain.ErrParseFailed, err)
	}
	return doc, norm, nil
}

// Normalize exposes the policy's canonical form for discovered links.
func (f *SiteFetcher) Normalize(raw string) (string, error) {
	return f.policy.Normalize(raw)
}

// Allowed exposes the policy verdict for discovered links.
func (f *SiteFetcher) Allowed(raw string) error {
	return f.policy.Allowed(raw)
}
