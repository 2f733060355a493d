package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/ai"
	"github.com/david/opportunity-pipeline/internal/models"
)

const maxStoredErrorLen = 1000

// Outcome is the externally visible result of one ProcessNext call.
type Outcome struct {
	Processed     bool                     `json:"processed"`
	Duplicate     bool                     `json:"duplicate,omitempty"`
	Rejected      bool                     `json:"rejected,omitempty"`
	QueueItemID   *uuid.UUID               `json:"queue_item_id,omitempty"`
	OpportunityID *uuid.UUID               `json:"opportunity_id,omitempty"`
	Status        models.OpportunityStatus `json:"status,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// Pipeline claims one queue item per call and carries it through dedup,
// scraping, generation, the quality gate and publication.
type Pipeline struct {
	Store     ContentStore
	Queue     WorkQueue
	Scraper   Scraper // nil disables scraping for every feed
	Generator Generator
	Publisher *Publisher
	Dedup     Deduplicator
}

func NewPipeline(store ContentStore, queue WorkQueue, scraper Scraper, gen Generator, embedder ai.Embedder) *Pipeline {
	return &Pipeline{
		Store:     store,
		Queue:     queue,
		Scraper:   scraper,
		Generator: gen,
		Publisher: NewPublisher(store, queue, embedder),
		Dedup:     Deduplicator{Store: store},
	}
}

// ProcessNext handles at most one item. Content rejections and duplicates
// are normal outcomes; only store and vendor failures return an error, in
// which case the item has been finalized as failed where possible.
func (p *Pipeline) ProcessNext(ctx context.Context) (Outcome, error) {
	item, err := p.Queue.ClaimNext(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim next: %w", err)
	}
	if item == nil {
		return Outcome{Processed: false}, nil
	}

	start := time.Now()
	logger := log.With().
		Str("queue_id", item.ID.String()).
		Str("feed_id", item.FeedID.String()).
		Str("source_url", item.SourceURL).
		Int("attempt", item.Attempts).
		Logger()
	ctx = logger.WithContext(ctx)

	itemID := item.ID
	out := Outcome{Processed: true, QueueItemID: &itemID}

	dup, err := p.Dedup.Exists(ctx, item.SourceURL)
	if err != nil {
		return p.fail(ctx, item, out, err)
	}
	if dup {
		if err := p.Queue.Finalize(ctx, item.ID, models.QueueDuplicate, ""); err != nil {
			return out, fmt.Errorf("finalize duplicate: %w", err)
		}
		logger.Info().Msg("duplicate source url, skipped")
		out.Duplicate = true
		return out, nil
	}

	title, content := p.sourceText(ctx, item)

	res, providerName, err := p.generate(ctx, item, title, content)
	if err != nil {
		return p.fail(ctx, item, out, err)
	}

	// The claim already resolved the feed's threshold; 0 accepts everything.
	decision := Decide(res, item.QualityThreshold)

	opp, err := p.Publisher.Publish(ctx, item, res, decision, providerName)
	if err != nil {
		if opp == nil {
			return p.fail(ctx, item, out, err)
		}
		// The record exists; a stale release will turn the retry into a duplicate.
		oppID := opp.ID
		out.OpportunityID = &oppID
		out.Error = err.Error()
		return out, err
	}

	oppID := opp.ID
	out.OpportunityID = &oppID
	out.Status = opp.Status
	out.Rejected = !decision.Accept

	ev := logger.Info()
	if out.Rejected {
		ev = ev.Str("reason", decision.Reason)
	}
	ev.Str("status", string(opp.Status)).
		Str("format", string(res.Format)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("queue item processed")
	return out, nil
}

// sourceText returns the title and body to generate from, enriched by the
// scraper when the feed asks for it. Scraping never fails the item.
func (p *Pipeline) sourceText(ctx context.Context, item *models.QueueItem) (string, string) {
	title, content := item.Title, item.Content
	if !item.EnableScraping || p.Scraper == nil || item.SourceURL == "" {
		return title, content
	}

	scraped, err := p.safeScrape(ctx, item.SourceURL)
	logger := zerolog.Ctx(ctx)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("scrape failed, using feed content")
	case scraped == nil || strings.TrimSpace(scraped.Content) == "":
		logger.Warn().Msg("scrape returned nothing, using feed content")
	default:
		content = scraped.Content
		if scraped.Title != "" {
			title = scraped.Title
		}
	}
	return title, content
}

func (p *Pipeline) safeScrape(ctx context.Context, url string) (sc *ScrapedContent, err error) {
	defer func() {
		if r := recover(); r != nil {
			sc, err = nil, fmt.Errorf("scraper panic: %v", r)
		}
	}()
	return p.Scraper.Scrape(ctx, url)
}

// generate resolves the provider, renders the prompt and normalizes the
// vendor output. With AI processing off the feed text passes straight through.
func (p *Pipeline) generate(ctx context.Context, item *models.QueueItem, title, content string) (ai.GenerationResult, string, error) {
	if !item.EnableAIProcessing {
		return ai.GenerationResult{
			Valid:   true,
			Title:   title,
			Content: content,
			Format:  ai.FormatPassthrough,
		}, "", nil
	}

	creds, err := ai.ResolveProvider(ctx, p.Store, item.AIProvider, item.AIModel)
	if err != nil {
		return ai.GenerationResult{}, "", err
	}

	template, err := p.Store.GetPromptTemplate(ctx, item.Category)
	if err != nil {
		return ai.GenerationResult{}, "", fmt.Errorf("load prompt template: %w", err)
	}

	start := time.Now()
	raw, err := p.Generator.Generate(ctx, ai.PromptInput{
		Title:    title,
		Content:  content,
		URL:      item.SourceURL,
		Category: item.Category,
	}, template, creds)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("provider", creds.Name).
			Str("model", creds.Model).
			Msg("generation failed")
		return ai.GenerationResult{}, "", err
	}

	res := ai.Parse(raw, title)
	zerolog.Ctx(ctx).Debug().
		Str("provider", creds.Name).
		Str("model", creds.Model).
		Str("result", res.String()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("generation normalized")
	return res, creds.Name, nil
}

// fail finalizes the item as failed and surfaces cause to the caller.
func (p *Pipeline) fail(ctx context.Context, item *models.QueueItem, out Outcome, cause error) (Outcome, error) {
	msg := TruncateText(cause.Error(), maxStoredErrorLen)
	out.Error = msg

	// Finalize even when the caller's context is already done.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.Queue.Finalize(fctx, item.ID, models.QueueFailed, msg); err != nil {
		return out, errors.Join(cause, fmt.Errorf("finalize failed item: %w", err))
	}

	zerolog.Ctx(ctx).Error().Err(cause).Msg("queue item failed")
	return out, cause
}
