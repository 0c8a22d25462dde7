// Package imaging materializes remote product images into the object store:
// fetch with a size cap, validate, re-encode to JPEG, upload, and hand back
// canonical URLs. Every failure stays local to its image.
package imaging

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sony/gobreaker"

	"github.com/foliosource/bindery/internal/domain"
)

// Per-image rejection reasons. These never fail a job; callers record them
// as warnings in the batch outcome.
var (
	ErrTooLarge  = errors.New("image exceeds size cap")
	ErrNotImage  = errors.New("content is not an image")
	ErrEmptyBody = errors.New("image body is empty")
	ErrBadFormat = errors.New("unsupported image format")
)

// Fetcher downloads origin images. Each origin host gets its own circuit
// breaker so one dying CDN fails fast instead of stalling whole batches.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFetcher builds a fetcher with the given identity, size cap, and
// per-request timeout.
func NewFetcher(userAgent string, maxBytes int64, timeout time.Duration) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxBytes:  maxBytes,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
	})
	f.breakers[host] = cb
	return cb
}

// Fetch downloads one image and returns its bytes. Size, emptiness, and
// content type are enforced here; the body is sniffed rather than trusted.
func (f *Fetcher) Fetch(ctx domain.Context, imageURL, host string) ([]byte, error) {
	v, err := f.breaker(host).Execute(func() (any, error) {
		return f.fetch(ctx, imageURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("op=imaging.fetch: host %s: %w: %w", host, domain.ErrFetchFailed, err)
		}
		return nil, err
	}
	return v.([]byte), nil
}

func (f *Fetcher) fetch(ctx domain.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=imaging.fetch: %w: %w", domain.ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=imaging.fetch: %w: %w", domain.ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=imaging.fetch: status %d: %w", resp.StatusCode, domain.ErrFetchFailed)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("op=imaging.fetch: content-length %d: %w", resp.ContentLength, ErrTooLarge)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if base, _, _ := strings.Cut(ct, ";"); !strings.HasPrefix(strings.TrimSpace(base), "image/") {
			return nil, fmt.Errorf("op=imaging.fetch: content-type %q: %w", ct, ErrNotImage)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("op=imaging.fetch: %w: %w", domain.ErrFetchFailed, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("op=imaging.fetch: body exceeds %d bytes: %w", f.maxBytes, ErrTooLarge)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("op=imaging.fetch: %w", ErrEmptyBody)
	}
	if mt := mimetype.Detect(body); !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("op=imaging.fetch: sniffed %q: %w", mt.String(), ErrNotImage)
	}
	return body, nil
}
