package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const defaultScrapeMaxChars = 10000

// contentSelectors are tried in order; the first present one is the article.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	".post-content",
	".entry-content",
	".article-content",
	".content",
	"#content",
}

var noiseSelectors = strings.Join([]string{
	"script", "style", "noscript", "iframe", "svg", "form",
	"nav", "footer", "header", "aside",
	".sidebar", "#sidebar", ".comments", "#comments", ".comment",
	".share", ".social", ".advertisement", ".ads",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]", "[role=complementary]",
}, ", ")

// PageScraper extracts the main text of a source page.
type PageScraper struct {
	Fetcher  Fetcher
	MaxChars int
	MaxBytes int64
}

func NewPageScraper(fetcher Fetcher, maxChars int) *PageScraper {
	if maxChars <= 0 {
		maxChars = defaultScrapeMaxChars
	}
	return &PageScraper{Fetcher: fetcher, MaxChars: maxChars, MaxBytes: 10 << 20}
}

// Scrape returns nil, nil when the page answers with a non-2xx status.
func (s *PageScraper) Scrape(ctx context.Context, url string) (content *ScrapedContent, err error) {
	defer func() {
		if r := recover(); r != nil {
			content, err = nil, fmt.Errorf("scraper panic: %v", r)
		}
	}()

	doc, err := s.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer doc.Body.Close()

	if doc.StatusCode < 200 || doc.StatusCode >= 300 {
		zerolog.Ctx(ctx).Debug().Str("scrape_url", url).Int("status", doc.StatusCode).Msg("scrape skipped on status")
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(doc.Body, s.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if isPDF(doc.ContentType, url) {
		text, err := extractPDFText(body)
		if err != nil {
			return nil, fmt.Errorf("pdf extraction: %w", err)
		}
		return &ScrapedContent{
			Content: TruncateText(normalizeSpace(sanitizeUTF8(text)), s.MaxChars),
			URL:     url,
		}, nil
	}

	title, text, err := extractMainText(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &ScrapedContent{
		Title:   title,
		Content: TruncateText(sanitizeUTF8(text), s.MaxChars),
		URL:     url,
	}, nil
}

// extractMainText picks the first matching content container, falling back
// to body, strips noise from it and returns its collapsed text.
func extractMainText(r io.Reader) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", err
	}

	title = normalizeSpace(doc.Find("meta[property='og:title']").AttrOr("content", ""))
	if title == "" {
		title = normalizeSpace(doc.Find("title").First().Text())
	}

	container := doc.Find("body").First()
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			container = found
			break
		}
	}
	if container.Length() == 0 {
		container = doc.Selection
	}

	container.Find(noiseSelectors).Remove()

	// Keep block boundaries as spaces so adjacent paragraphs don't fuse.
	container.Find("p, div, li, h1, h2, h3, h4, h5, h6, br, td").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})

	return title, normalizeSpace(container.Text()), nil
}

func isPDF(contentType, url string) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	path := strings.ToLower(url)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ".pdf")
}
