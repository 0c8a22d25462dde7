// Package worker runs the scrape pipeline: a pool of goroutines leases jobs
// from the queue and pushes each one through scrape, image, and persist
// stages.
package worker

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/foliosource/bindery/internal/adapter/imaging"
	"github.com/foliosource/bindery/internal/adapter/observability"
	"github.com/foliosource/bindery/internal/adapter/pages"
	"github.com/foliosource/bindery/internal/domain"
	"github.com/foliosource/bindery/internal/usecase"
)

// Pipeline is the per-job flow. Stages run in order and the first stage error
// fails the job; image items are the exception, their failures are recorded
// in the summary and the batch keeps going.
type Pipeline struct {
	Registry *pages.Registry
	Images   *imaging.Processor
	Writer   usecase.CatalogWriter
	Enqueuer usecase.EnqueueService

	// Discover chains follow-up jobs for URLs found on the page.
	Discover bool
	// CategoryThumbs routes category and listing thumbnails through the
	// image pipeline; off, the category keeps its origin thumbnail and
	// listing thumbnails are dropped before persisting.
	CategoryThumbs bool
}

// Run executes the pipeline for one leased job. The summary is meaningful
// even on error, it carries whatever the stages got done before failing.
func (p *Pipeline) Run(ctx domain.Context, job domain.Job) (summary domain.ResultSummary, err error) {
	start := time.Now()
	defer func() { summary.DurationMS = time.Since(start).Milliseconds() }()

	tracer := otel.Tracer("worker.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	handler, err := p.Registry.For(job.Type)
	if err != nil {
		return summary, err
	}
	res, err := handler.Handle(ctx, job)
	if err != nil {
		return summary, err
	}

	p.processImages(ctx, res, &summary)

	counts, refs, err := p.Writer.UpsertScrapeResult(ctx, res)
	if err != nil {
		return summary, err
	}
	summary.ItemsProcessed = counts.Total()

	if p.Discover {
		summary.Discovered = p.enqueueDiscovered(ctx, job, res, refs, &summary)
	}
	return summary, nil
}

// processImages runs scraped image references through fetch, transform, and
// store, replacing them with canonical object store URLs. Failed items drop
// out; order of the survivors matches the page.
func (p *Pipeline) processImages(ctx domain.Context, res *domain.ScrapeResult, summary *domain.ResultSummary) {
	// Listing thumbnails end up in product rows; unless the thumb stage will
	// canonicalize them they are dropped here so origin URLs never persist.
	if p.Images == nil || !p.CategoryThumbs {
		for i := range res.Summaries {
			res.Summaries[i].Thumbnail = ""
		}
	}
	if p.Images == nil {
		return
	}

	if res.Product != nil && len(res.Product.ImageURLs) > 0 {
		results := p.Images.ProcessBatch(ctx, res.Product.ImageURLs)
		stored := make([]string, 0, len(results))
		for _, r := range results {
			if u := p.recordItem(summary, r); u != "" {
				stored = append(stored, u)
			}
		}
		res.Product.ImageURLs = stored
	}

	if !p.CategoryThumbs {
		return
	}
	if res.Category != nil && res.Category.Thumbnail != "" {
		res.Category.Thumbnail = p.recordItem(summary, p.Images.ProcessOne(ctx, res.Category.Thumbnail))
	}
	var thumbs []string
	var idx []int
	for i, s := range res.Summaries {
		if s.Thumbnail != "" {
			thumbs = append(thumbs, s.Thumbnail)
			idx = append(idx, i)
		}
	}
	if len(thumbs) == 0 {
		return
	}
	results := p.Images.ProcessBatch(ctx, thumbs)
	for k, r := range results {
		res.Summaries[idx[k]].Thumbnail = p.recordItem(summary, r)
	}
}

// recordItem tallies one image outcome and returns the canonical URL, empty
// on failure.
func (p *Pipeline) recordItem(summary *domain.ResultSummary, r imaging.ItemResult) string {
	if r.Err != nil {
		summary.ImageFailures++
		summary.Errors = append(summary.Errors, fmt.Sprintf("image %s: %v", r.SourceURL, r.Err))
		observability.ObserveImageFailure()
		return ""
	}
	summary.ImagesStored++
	observability.ObserveImageStored(r.Bytes)
	return r.CanonicalURL
}

// enqueueDiscovered chains follow-up jobs: category jobs for navigation
// entries, product jobs for listing summaries. Enqueue failures never fail
// the parent job, the page itself was scraped and persisted.
func (p *Pipeline) enqueueDiscovered(ctx domain.Context, parent domain.Job, res *domain.ScrapeResult, refs usecase.WriteRefs, summary *domain.ResultSummary) int {
	reqs := make([]domain.EnqueueRequest, 0, len(res.Navigations)+len(res.Summaries))
	for _, nav := range res.Navigations {
		meta := map[string]any{"discovered_from": parent.ID}
		if id, ok := refs.NavigationIDs[nav.SourceURL]; ok {
			meta["navigation_id"] = id
		}
		reqs = append(reqs, domain.EnqueueRequest{
			Type:        domain.JobTypeCategory,
			TargetURL:   nav.SourceURL,
			Priority:    parent.Priority,
			MaxAttempts: parent.MaxAttempts,
			Metadata:    meta,
		})
	}
	for _, s := range res.Summaries {
		meta := map[string]any{"discovered_from": parent.ID}
		if refs.CategoryID != "" {
			meta["category_id"] = refs.CategoryID
		}
		reqs = append(reqs, domain.EnqueueRequest{
			Type:        domain.JobTypeProduct,
			TargetURL:   s.SourceURL,
			Priority:    parent.Priority,
			MaxAttempts: parent.MaxAttempts,
			Metadata:    meta,
		})
	}

	n := 0
	for _, req := range reqs {
		if _, err := p.Enqueuer.Enqueue(ctx, req); err != nil {
			slog.Warn("discovery enqueue failed",
				slog.String("job_id", parent.ID),
				slog.String("target_url", req.TargetURL),
				slog.Any("error", err))
			summary.Errors = append(summary.Errors, fmt.Sprintf("enqueue %s: %v", req.TargetURL, err))
			continue
		}
		observability.EnqueueJob(string(req.Type))
		n++
	}
	return n
}
