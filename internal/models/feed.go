package models

import (
	"time"

	"github.com/google/uuid"
)

// FeedConfig is a configured content source and its processing policy.
// Counters only grow; resets are an administrative concern.
type FeedConfig struct {
	ID                 uuid.UUID  `json:"id"`
	Name               string     `json:"name"`
	URL                string     `json:"url"`
	Category           string     `json:"category"`
	AIProvider         string     `json:"ai_provider,omitempty"`
	AIModel            string     `json:"ai_model,omitempty"`
	EnableScraping     bool       `json:"enable_scraping"`
	EnableAIProcessing bool       `json:"enable_ai_processing"`
	AutoPublish        bool       `json:"auto_publish"`
	QualityThreshold   float64    `json:"quality_threshold"`
	FallbackImageURL   string     `json:"fallback_image_url,omitempty"`
	IsActive           bool       `json:"is_active"`
	TotalProcessed     int        `json:"total_processed"`
	TotalPublished     int        `json:"total_published"`
	LastFetchedAt      *time.Time `json:"last_fetched_at"`
	LastError          string     `json:"last_error,omitempty"`
	LastErrorAt        *time.Time `json:"last_error_at"`
}

// ProviderConfig is a stored LLM vendor configuration.
type ProviderConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"-"`
	IsActive bool   `json:"is_active"`
}
