package models

import (
	"time"

	"github.com/google/uuid"
)

type OpportunityStatus string

const (
	OpportunityDraft     OpportunityStatus = "draft"
	OpportunityPublished OpportunityStatus = "published"
	OpportunityRejected  OpportunityStatus = "rejected"
)

// Opportunity is the durable content record produced by the pipeline.
// SourceURL is the dedup key: at most one non-rejected record per URL.
type Opportunity struct {
	ID               uuid.UUID         `json:"id"`
	Title            string            `json:"title"`
	Slug             string            `json:"slug"`
	Excerpt          string            `json:"excerpt"`
	Content          string            `json:"content"` // Sanitized HTML
	Category         string            `json:"category"`
	SourceURL        string            `json:"source_url"`
	FeedID           *uuid.UUID        `json:"feed_id"`
	Status           OpportunityStatus `json:"status"`
	RejectionReason  string            `json:"rejection_reason,omitempty"`
	ConfidenceScore  *float64          `json:"confidence_score"`
	AIProvider       string            `json:"ai_provider"`
	DeadlineAt       *time.Time        `json:"deadline_at"`
	DeadlineRaw      string            `json:"deadline_raw,omitempty"`
	PrizeValue       string            `json:"prize_value,omitempty"`
	PrizeAmount      float64           `json:"prize_amount"`
	PrizeCurrency    string            `json:"prize_currency,omitempty"`
	Location         string            `json:"location,omitempty"`
	FeaturedImageURL string            `json:"featured_image_url,omitempty"`
	Embedding        []float32         `json:"-"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// OpportunityFilter narrows opportunity listings.
type OpportunityFilter struct {
	Status OpportunityStatus
	FeedID *uuid.UUID
	Limit  int
}

// EffectiveLimit clamps Limit to 1..200, defaulting to 50.
func (f OpportunityFilter) EffectiveLimit() uint64 {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 200:
		return 200
	}
	return uint64(f.Limit)
}
