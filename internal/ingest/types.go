package ingest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/david/opportunity-pipeline/internal/ai"
	"github.com/david/opportunity-pipeline/internal/models"
)

// FetchedDocument represents the raw result of a fetch operation.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	FetchedAt   time.Time
	Headers     map[string][]string
}

// Fetcher retrieves raw content from a URL. Non-2xx responses are returned
// as documents, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// ScrapedContent is the enriched text of a source page. Never persisted.
type ScrapedContent struct {
	Title   string
	Content string
	URL     string
}

// Scraper enriches a queue item from its source URL. A nil result with a
// nil error means the page was unavailable.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*ScrapedContent, error)
}

// ContentStore is the durable store behind the pipeline.
type ContentStore interface {
	ai.CredentialSource

	FindBySourceURL(ctx context.Context, sourceURL string) (*models.Opportunity, error)
	InsertOpportunity(ctx context.Context, opp *models.Opportunity) (uuid.UUID, error)
	// IncrementFeedCounters adds the deltas atomically and stamps last_fetched_at.
	IncrementFeedCounters(ctx context.Context, feedID uuid.UUID, processed, published int) error
	GetFeedConfig(ctx context.Context, feedID uuid.UUID) (*models.FeedConfig, error)
	// GetPromptTemplate returns "" when no template is stored for the category.
	GetPromptTemplate(ctx context.Context, category string) (string, error)
}

// WorkQueue hands out queue items one at a time.
type WorkQueue interface {
	// ClaimNext atomically moves the oldest pending item to processing.
	// It returns nil when nothing is claimable.
	ClaimNext(ctx context.Context) (*models.QueueItem, error)
	// Finalize moves a processing item to a terminal status. Calling it on an
	// item that is no longer processing is a logged no-op.
	Finalize(ctx context.Context, id uuid.UUID, status models.QueueStatus, message string) error
}

// Generator produces raw model output for one item.
type Generator interface {
	Generate(ctx context.Context, in ai.PromptInput, template string, creds ai.Credentials) (string, error)
}
