package ingest

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/david/opportunity-pipeline/internal/ai"
	"github.com/david/opportunity-pipeline/internal/models"
)

const defaultExcerptMaxChars = 160

// Publisher persists the content record for a decided item, bumps the feed
// counters and finalizes the queue item as completed.
type Publisher struct {
	Store           ContentStore
	Queue           WorkQueue
	Embedder        ai.Embedder // optional
	ExcerptMaxChars int
	Now             func() time.Time

	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

func NewPublisher(store ContentStore, queue WorkQueue, embedder ai.Embedder) *Publisher {
	return &Publisher{
		Store:           store,
		Queue:           queue,
		Embedder:        embedder,
		ExcerptMaxChars: defaultExcerptMaxChars,
		Now:             time.Now,
		ugc:             bluemonday.UGCPolicy(),
		strict:          bluemonday.StrictPolicy(),
	}
}

// Publish writes the record described by res and decision. Accepted results
// become published or draft depending on the feed; rejected ones are kept
// as rejected records for audit and never count as published.
func (p *Publisher) Publish(ctx context.Context, item *models.QueueItem, res ai.GenerationResult, decision Decision, providerName string) (*models.Opportunity, error) {
	opp := p.buildRecord(item, res, decision, providerName)

	if decision.Accept && p.Embedder != nil {
		vec, err := p.Embedder.GenerateEmbedding(ctx, opp.Title+"\n"+opp.Excerpt)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("embedding failed, storing without vector")
		} else {
			opp.Embedding = vec
		}
	}

	id, err := p.Store.InsertOpportunity(ctx, opp)
	if err != nil {
		return nil, fmt.Errorf("insert opportunity: %w", err)
	}
	opp.ID = id

	published := 0
	if opp.Status == models.OpportunityPublished {
		published = 1
	}
	if err := p.Store.IncrementFeedCounters(ctx, item.FeedID, 1, published); err != nil {
		return opp, fmt.Errorf("increment feed counters: %w", err)
	}

	if err := p.Queue.Finalize(ctx, item.ID, models.QueueCompleted, ""); err != nil {
		return opp, fmt.Errorf("finalize queue item: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("opportunity_id", id.String()).
		Str("status", string(opp.Status)).
		Str("slug", opp.Slug).
		Msg("opportunity stored")
	return opp, nil
}

func (p *Publisher) buildRecord(item *models.QueueItem, res ai.GenerationResult, decision Decision, providerName string) *models.Opportunity {
	now := p.now()

	title := normalizeSpace(p.strictPolicy().Sanitize(res.Title))
	title = html.UnescapeString(title)
	if title == "" {
		title = normalizeSpace(item.Title)
	}

	content := strings.TrimSpace(p.ugcPolicy().Sanitize(sanitizeUTF8(res.Content)))
	excerpt := html.UnescapeString(normalizeSpace(p.strictPolicy().Sanitize(res.Excerpt)))
	if excerpt == "" {
		excerpt = html.UnescapeString(normalizeSpace(p.strictPolicy().Sanitize(content)))
	}
	excerpt = TruncateText(excerpt, p.excerptMax())

	feedID := item.FeedID
	opp := &models.Opportunity{
		Title:           title,
		Slug:            NewSlug(title, now),
		Excerpt:         excerpt,
		Content:         content,
		Category:        item.Category,
		SourceURL:       item.SourceURL,
		FeedID:          &feedID,
		ConfidenceScore: res.ConfidenceScore,
		AIProvider:      providerName,
		DeadlineRaw:     res.Deadline,
		DeadlineAt:      ParseDeadline(res.Deadline),
		PrizeValue:      res.PrizeValue,
		Location:        res.Location,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if feedID == uuid.Nil {
		opp.FeedID = nil
	}
	opp.PrizeAmount, opp.PrizeCurrency = ParsePrize(res.PrizeValue)

	switch {
	case !decision.Accept:
		opp.Status = models.OpportunityRejected
		opp.RejectionReason = decision.Reason
	case item.AutoPublish:
		opp.Status = models.OpportunityPublished
	default:
		opp.Status = models.OpportunityDraft
	}

	opp.FeaturedImageURL = strings.TrimSpace(item.ImageURL)
	if opp.FeaturedImageURL == "" {
		opp.FeaturedImageURL = strings.TrimSpace(item.FallbackImageURL)
	}
	return opp
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Publisher) excerptMax() int {
	if p.ExcerptMaxChars > 0 {
		return p.ExcerptMaxChars
	}
	return defaultExcerptMaxChars
}

func (p *Publisher) ugcPolicy() *bluemonday.Policy {
	if p.ugc == nil {
		p.ugc = bluemonday.UGCPolicy()
	}
	return p.ugc
}

func (p *Publisher) strictPolicy() *bluemonday.Policy {
	if p.strict == nil {
		p.strict = bluemonday.StrictPolicy()
	}
	return p.strict
}
