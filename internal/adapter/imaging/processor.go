package imaging

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/foliosource/bindery/internal/domain"
)

// ItemResult is the per-image outcome of a batch. Exactly one of
// CanonicalURL and Err is meaningful.
type ItemResult struct {
	SourceURL    string
	CanonicalURL string
	Format       string
	Bytes        int
	Err          error
}

// Options tune a Processor; zero values fall back to production defaults.
type Options struct {
	MaxWidth    int
	JPEGQuality int
	Concurrency int
}

// Processor runs the fetch, transform, upload flow and fans batches out
// under a concurrency cap.
type Processor struct {
	fetcher *Fetcher
	store   domain.ObjectStore
	base    *url.URL
	opts    Options
}

// NewProcessor wires a processor against the object store. baseSiteURL
// anchors relative image references found in scraped markup.
func NewProcessor(fetcher *Fetcher, store domain.ObjectStore, baseSiteURL string, opts Options) (*Processor, error) {
	base, err := url.Parse(baseSiteURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("op=imaging.new_processor: base url %q: %w", baseSiteURL, domain.ErrInvalidArgument)
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 1200
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	return &Processor{fetcher: fetcher, store: store, base: base, opts: opts}, nil
}

// Resolve makes an image reference absolute: relative paths resolve against
// the base site, protocol-relative URLs become https, and anything that is
// not http(s) afterwards is rejected.
func (p *Processor) Resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("op=imaging.resolve: empty url: %w", domain.ErrInvalidArgument)
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("op=imaging.resolve: %q: %w", raw, domain.ErrInvalidArgument)
	}
	if !u.IsAbs() {
		u = p.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("op=imaging.resolve: scheme %q: %w", u.Scheme, domain.ErrInvalidArgument)
	}
	return u.String(), nil
}

// ProcessOne runs the single-image flow and never panics or aborts siblings;
// the outcome travels in the result.
func (p *Processor) ProcessOne(ctx domain.Context, rawURL string) ItemResult {
	res := ItemResult{SourceURL: rawURL}

	resolved, err := p.Resolve(rawURL)
	if err != nil {
		res.Err = err
		return res
	}
	host := ""
	if u, err := url.Parse(resolved); err == nil {
		host = u.Host
	}

	body, err := p.fetcher.Fetch(ctx, resolved, host)
	if err != nil {
		res.Err = err
		return res
	}
	encoded, format, err := Transform(body, p.opts.MaxWidth, p.opts.JPEGQuality)
	if err != nil {
		res.Err = err
		return res
	}

	key := "products/" + uuid.New().String() + ".jpeg"
	canonical, err := p.store.Put(ctx, key, encoded, domain.PutOptions{
		ContentType:  "image/jpeg",
		CacheControl: "public, max-age=31536000, immutable",
		Metadata: map[string]string{
			"source-url":    resolved,
			"source-format": format,
		},
	})
	if err != nil {
		res.Err = err
		return res
	}

	res.CanonicalURL = canonical
	res.Format = format
	res.Bytes = len(encoded)
	return res
}

// ProcessBatch fans URLs out under the concurrency cap. Results come back in
// input order and per-image failures never abort the batch.
func (p *Processor) ProcessBatch(ctx domain.Context, urls []string) []ItemResult {
	results := make([]ItemResult, len(urls))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = p.ProcessOne(ctx, u)
			if results[i].Err != nil {
				slog.Warn("image processing failed",
					slog.String("url", u),
					slog.Any("error", results[i].Err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
