package models

import (
	"time"

	"github.com/google/uuid"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueDuplicate  QueueStatus = "duplicate"
)

// IsTerminal reports whether an item in this status can never be claimed again.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueCompleted, QueueFailed, QueueDuplicate:
		return true
	}
	return false
}

// QueueItem is one unit of ingestion work. A claimed item carries the
// processing policy of its feed, joined in at claim time.
type QueueItem struct {
	ID        uuid.UUID `json:"id"`
	FeedID    uuid.UUID `json:"feed_id"`
	Category  string    `json:"category"` // Target opportunity type
	SourceURL string    `json:"source_url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`

	EnableScraping     bool    `json:"enable_scraping"`
	EnableAIProcessing bool    `json:"enable_ai_processing"`
	AutoPublish        bool    `json:"auto_publish"`
	AIProvider         string  `json:"ai_provider,omitempty"` // Feed override, empty = active provider
	AIModel            string  `json:"ai_model,omitempty"`
	QualityThreshold   float64 `json:"quality_threshold"`
	FallbackImageURL   string  `json:"fallback_image_url,omitempty"`

	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ClaimedAt   *time.Time  `json:"claimed_at"`
	CompletedAt *time.Time  `json:"completed_at"`
}

// NewQueueItem is the producer-side payload for enqueueing work.
type NewQueueItem struct {
	FeedID    uuid.UUID
	SourceURL string
	Title     string
	Content   string
	ImageURL  string
}

// QueueStats counts items per status.
type QueueStats map[QueueStatus]int
