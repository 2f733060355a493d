// Package feeds turns configured RSS/Atom sources into queue items.
package feeds

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/ingest"
	"github.com/david/opportunity-pipeline/internal/models"
)

const maxFeedBytes = 5 << 20

// Store is the slice of the content store and queue the poller needs.
type Store interface {
	GetFeedConfig(ctx context.Context, feedID uuid.UUID) (*models.FeedConfig, error)
	ListFeeds(ctx context.Context, activeOnly bool) ([]models.FeedConfig, error)
	Enqueue(ctx context.Context, item models.NewQueueItem) (uuid.UUID, bool, error)
	RecordFeedFetch(ctx context.Context, feedID uuid.UUID, fetchErr error) error
}

// PollResult summarizes one feed poll.
type PollResult struct {
	FeedID   uuid.UUID `json:"feed_id"`
	Items    int       `json:"items"`
	Enqueued int       `json:"enqueued"`
	Skipped  int       `json:"skipped"`
	Error    string    `json:"error,omitempty"`
}

type Poller struct {
	Store   Store
	Fetcher ingest.Fetcher
	parser  *gofeed.Parser
}

func NewPoller(store Store, fetcher ingest.Fetcher) *Poller {
	return &Poller{
		Store:   store,
		Fetcher: fetcher,
		parser:  gofeed.NewParser(),
	}
}

// Poll fetches one feed and enqueues every entry with a link. Entries the
// feed already queued are skipped by the queue's uniqueness rule.
func (p *Poller) Poll(ctx context.Context, feedID uuid.UUID) (PollResult, error) {
	res := PollResult{FeedID: feedID}
	feed, err := p.Store.GetFeedConfig(ctx, feedID)
	if err != nil {
		return res, err
	}

	items, err := p.fetchItems(ctx, feed.URL)
	if recErr := p.Store.RecordFeedFetch(ctx, feedID, err); recErr != nil {
		log.Warn().Err(recErr).Str("feed_id", feedID.String()).Msg("failed to record feed fetch")
	}
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	res.Items = len(items)
	for _, it := range items {
		_, created, err := p.Store.Enqueue(ctx, it.toQueueItem(feedID))
		if err != nil {
			return res, fmt.Errorf("enqueue %s: %w", it.Link, err)
		}
		if created {
			res.Enqueued++
		} else {
			res.Skipped++
		}
	}

	log.Info().
		Str("feed_id", feedID.String()).
		Str("feed", feed.Name).
		Int("items", res.Items).
		Int("enqueued", res.Enqueued).
		Int("skipped", res.Skipped).
		Msg("feed polled")
	return res, nil
}

// PollAll polls every active feed. A failing feed is recorded and does not
// stop the others.
func (p *Poller) PollAll(ctx context.Context) ([]PollResult, error) {
	feeds, err := p.Store.ListFeeds(ctx, true)
	if err != nil {
		return nil, err
	}
	results := make([]PollResult, 0, len(feeds))
	for _, f := range feeds {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := p.Poll(ctx, f.ID)
		if err != nil {
			log.Error().Err(err).Str("feed_id", f.ID.String()).Str("url", f.URL).Msg("feed poll failed")
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

type entry struct {
	Link    string
	Title   string
	Content string
	Image   string
}

func (e entry) toQueueItem(feedID uuid.UUID) models.NewQueueItem {
	return models.NewQueueItem{
		FeedID:    feedID,
		SourceURL: e.Link,
		Title:     e.Title,
		Content:   e.Content,
		ImageURL:  e.Image,
	}
}

func (p *Poller) fetchItems(ctx context.Context, url string) ([]entry, error) {
	doc, err := p.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer doc.Body.Close()

	if doc.StatusCode < 200 || doc.StatusCode >= 300 {
		return nil, fmt.Errorf("feed returned HTTP %d", doc.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(doc.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return p.parse(data)
}

func (p *Poller) parse(data []byte) ([]entry, error) {
	feed, err := p.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	entries := make([]entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		link := strings.TrimSpace(item.Link)
		if link == "" && len(item.Links) > 0 {
			link = strings.TrimSpace(item.Links[0])
		}
		if link == "" {
			continue
		}
		entries = append(entries, entry{
			Link:    link,
			Title:   strings.TrimSpace(item.Title),
			Content: cmp.Or(item.Content, item.Description),
			Image:   itemImage(item),
		})
	}
	return entries, nil
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}
