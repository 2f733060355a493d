package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// CollyFetcher implements Fetcher on top of a Colly collector, which adds
// robots.txt handling, charset detection and a response cache directory.
type CollyFetcher struct {
	UserAgent         string
	MaxRetries        int
	RequestTimeout    time.Duration
	MaxBodySize       int // bytes, 0 = unlimited
	IgnoreRobotsTxt   bool
	CacheDir          string // empty = no cache
	AllowPrivateHosts bool
}

// NewCollyFetcher creates a CollyFetcher with sensible defaults.
func NewCollyFetcher(cfg FetchConfig) *CollyFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &CollyFetcher{
		UserAgent:         browserUserAgent,
		MaxRetries:        cfg.MaxRetries,
		RequestTimeout:    timeout,
		MaxBodySize:       10 * 1024 * 1024,
		IgnoreRobotsTxt:   true,
		AllowPrivateHosts: cfg.AllowPrivateHosts,
	}
}

func (f *CollyFetcher) buildCollector(ctx context.Context) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.UserAgent(f.UserAgent),
		colly.MaxBodySize(f.MaxBodySize),
		colly.AllowURLRevisit(),
		colly.DetectCharset(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	}
	if f.IgnoreRobotsTxt {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	if f.CacheDir != "" {
		opts = append(opts, colly.CacheDir(f.CacheDir))
	}

	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(f.RequestTimeout)
	if !f.AllowPrivateHosts {
		c.WithTransport(&http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         safeDialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		})
		c.SetRedirectHandler(safeCheckRedirect)
	}
	return c
}

// Fetch visits targetURL once, retrying transport failures. Error statuses
// are returned as documents so the caller can decide what they mean.
func (f *CollyFetcher) Fetch(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug().Str("url", targetURL).Int("attempt", attempt).Err(lastErr).Msg("colly retry")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		doc, err := f.visit(ctx, targetURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch failed after %d retries: %w", f.MaxRetries, lastErr)
}

func (f *CollyFetcher) visit(ctx context.Context, targetURL string) (*FetchedDocument, error) {
	c := f.buildCollector(ctx)

	var result *FetchedDocument
	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		result = &FetchedDocument{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(r.Body)),
			FetchedAt:   time.Now(),
			Headers:     map[string][]string(r.Headers.Clone()),
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	// Synchronous collector: Visit returns after all callbacks ran.
	if err := c.Visit(targetURL); err != nil && result == nil {
		return nil, fmt.Errorf("visit failed: %w", err)
	}
	if result != nil {
		return result, nil
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	return nil, fmt.Errorf("no response received for %s", targetURL)
}
