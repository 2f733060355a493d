// Package app wires the configured backend, pipeline and poller together
// for the binaries under cmd/.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/ai"
	"github.com/david/opportunity-pipeline/internal/api"
	"github.com/david/opportunity-pipeline/internal/config"
	"github.com/david/opportunity-pipeline/internal/db"
	"github.com/david/opportunity-pipeline/internal/db/sqlite"
	"github.com/david/opportunity-pipeline/internal/feeds"
	"github.com/david/opportunity-pipeline/internal/ingest"
)

// Backend is everything the service needs from storage.
type Backend interface {
	ingest.ContentStore
	ingest.WorkQueue
	api.Backend
	feeds.Store
}

var (
	_ Backend = (*db.Store)(nil)
	_ Backend = (*sqlite.Store)(nil)
)

// OpenBackend connects to the configured database and applies migrations.
// The returned func releases the connection.
func OpenBackend(ctx context.Context, cfg config.Config) (Backend, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		conn, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		store := sqlite.NewStore(conn)
		store.MaxAttempts = cfg.Pipeline.MaxAttempts
		return store, func() { conn.Close() }, nil

	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		store := db.NewStore(pool)
		store.MaxAttempts = cfg.Pipeline.MaxAttempts
		return store, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

// NewFetcher returns the page fetcher selected by pipeline.scraper_backend.
func NewFetcher(cfg config.Config) ingest.Fetcher {
	fc := ingest.FetchConfig{Timeout: cfg.Pipeline.RequestTimeout, MaxRetries: 2}
	if cfg.Pipeline.ScraperBackend == "colly" {
		return ingest.NewCollyFetcher(fc)
	}
	return ingest.NewHTTPFetcher(fc)
}

// NewPipeline builds the orchestrator over backend.
func NewPipeline(cfg config.Config, backend Backend) *ingest.Pipeline {
	gateway := ai.NewGateway(cfg.GatewayConfig(), nil)
	scraper := ingest.NewPageScraper(NewFetcher(cfg), cfg.Pipeline.ScrapeMaxChars)

	var embedder ai.Embedder
	if cfg.Pipeline.Embeddings {
		if cfg.Database.Driver == config.DriverPostgres {
			embedder = ai.NewOllamaEmbedder(cfg.Providers.Endpoints.Ollama, cfg.Pipeline.EmbeddingModel)
		} else {
			log.Warn().Str("driver", cfg.Database.Driver).Msg("embeddings are only stored by the postgres backend; disabled")
		}
	}

	p := ingest.NewPipeline(backend, backend, scraper, gateway, embedder)
	p.Publisher.ExcerptMaxChars = cfg.Pipeline.ExcerptMaxChars
	return p
}

// NewPoller builds the feed poller over backend.
func NewPoller(cfg config.Config, backend Backend) *feeds.Poller {
	return feeds.NewPoller(backend, ingest.NewHTTPFetcher(ingest.FetchConfig{
		Timeout:    cfg.Pipeline.RequestTimeout,
		MaxRetries: 2,
	}))
}

// NewServer builds the HTTP API.
func NewServer(cfg config.Config, backend Backend, pipeline api.Runner, poller api.FeedPoller) (*api.Server, error) {
	return api.NewServer(backend, pipeline, poller, api.Options{
		AdminSecret:      cfg.HTTP.AdminSecret,
		ClaimTimeout:     cfg.Pipeline.ClaimTimeout,
		DefaultThreshold: &cfg.Pipeline.DefaultQualityThreshold,
	})
}
