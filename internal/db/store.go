package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/david/opportunity-pipeline/internal/models"
)

// Store is the Postgres content store and work queue.
type Store struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType

	// MaxAttempts bounds how often an item may be claimed.
	MaxAttempts int
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		psql:        sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		MaxAttempts: 3,
	}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const opportunityCols = `id, title, slug, excerpt, content, category, source_url, feed_id,
	status, rejection_reason, confidence_score, ai_provider, deadline_at, deadline_raw,
	prize_value, prize_amount, prize_currency, location, featured_image_url, created_at, updated_at`

func scanOpportunity(scan func(dest ...interface{}) error) (*models.Opportunity, error) {
	var o models.Opportunity
	var status string
	var rejection, provider, deadlineRaw, prizeValue, prizeCurrency, location, image *string

	err := scan(
		&o.ID, &o.Title, &o.Slug, &o.Excerpt, &o.Content, &o.Category, &o.SourceURL, &o.FeedID,
		&status, &rejection, &o.ConfidenceScore, &provider, &o.DeadlineAt, &deadlineRaw,
		&prizeValue, &o.PrizeAmount, &prizeCurrency, &location, &image, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = models.OpportunityStatus(status)
	o.RejectionReason = deref(rejection)
	o.AIProvider = deref(provider)
	o.DeadlineRaw = deref(deadlineRaw)
	o.PrizeValue = deref(prizeValue)
	o.PrizeCurrency = deref(prizeCurrency)
	o.Location = deref(location)
	o.FeaturedImageURL = deref(image)
	return &o, nil
}

// FindBySourceURL returns the oldest non-rejected record for sourceURL, or nil.
func (s *Store) FindBySourceURL(ctx context.Context, sourceURL string) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+opportunityCols+`
		FROM opportunities
		WHERE source_url = $1 AND status <> 'rejected'
		ORDER BY created_at
		LIMIT 1
	`, sourceURL)

	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by source url: %w", err)
	}
	return o, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+opportunityCols+` FROM opportunities WHERE id = $1`, id)
	o, err := scanOpportunity(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	return o, nil
}

func (s *Store) InsertOpportunity(ctx context.Context, opp *models.Opportunity) (uuid.UUID, error) {
	id := opp.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := time.Now().UTC()
	created := opp.CreatedAt
	if created.IsZero() {
		created = now
	}

	var embedding interface{}
	if len(opp.Embedding) > 0 {
		embedding = pgvector.NewVector(opp.Embedding)
	}

	query, args, err := s.psql.Insert("opportunities").
		Columns(
			"id", "title", "slug", "excerpt", "content", "category", "source_url", "feed_id",
			"status", "rejection_reason", "confidence_score", "ai_provider", "deadline_at", "deadline_raw",
			"prize_value", "prize_amount", "prize_currency", "location", "featured_image_url",
			"embedding", "created_at", "updated_at",
		).
		Values(
			id, opp.Title, opp.Slug, opp.Excerpt, opp.Content, opp.Category, opp.SourceURL, opp.FeedID,
			string(opp.Status), nilIfEmpty(opp.RejectionReason), opp.ConfidenceScore, nilIfEmpty(opp.AIProvider), opp.DeadlineAt, nilIfEmpty(opp.DeadlineRaw),
			nilIfEmpty(opp.PrizeValue), opp.PrizeAmount, nilIfEmpty(opp.PrizeCurrency), nilIfEmpty(opp.Location), nilIfEmpty(opp.FeaturedImageURL),
			embedding, created, now,
		).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("build insert: %w", err)
	}

	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("insert opportunity: %w", err)
	}
	return id, nil
}

// ListOpportunities returns the newest records, optionally filtered by status and feed.
func (s *Store) ListOpportunities(ctx context.Context, f models.OpportunityFilter) ([]models.Opportunity, error) {
	q := s.psql.Select(opportunityCols).From("opportunities").OrderBy("created_at DESC").Limit(f.EffectiveLimit())
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.FeedID != nil {
		q = q.Where(sq.Eq{"feed_id": *f.FeedID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	var out []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// IncrementFeedCounters adds the deltas in one statement so concurrent
// workers never lose an update.
func (s *Store) IncrementFeedCounters(ctx context.Context, feedID uuid.UUID, processed, published int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE feeds
		SET total_processed = total_processed + $2,
			total_published = total_published + $3,
			last_fetched_at = NOW()
		WHERE id = $1
	`, feedID, processed, published)
	if err != nil {
		return fmt.Errorf("increment feed counters: %w", err)
	}
	return nil
}

const feedCols = `id, name, url, category, ai_provider, ai_model, enable_scraping, enable_ai_processing,
	auto_publish, quality_threshold, fallback_image_url, is_active, total_processed, total_published,
	last_fetched_at, last_error, last_error_at`

func scanFeed(scan func(dest ...interface{}) error) (*models.FeedConfig, error) {
	var f models.FeedConfig
	var provider, model, fallback, lastError *string
	err := scan(
		&f.ID, &f.Name, &f.URL, &f.Category, &provider, &model, &f.EnableScraping, &f.EnableAIProcessing,
		&f.AutoPublish, &f.QualityThreshold, &fallback, &f.IsActive, &f.TotalProcessed, &f.TotalPublished,
		&f.LastFetchedAt, &lastError, &f.LastErrorAt,
	)
	if err != nil {
		return nil, err
	}
	f.AIProvider = deref(provider)
	f.AIModel = deref(model)
	f.FallbackImageURL = deref(fallback)
	f.LastError = deref(lastError)
	return &f, nil
}

func (s *Store) GetFeedConfig(ctx context.Context, feedID uuid.UUID) (*models.FeedConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+feedCols+` FROM feeds WHERE id = $1`, feedID)
	f, err := scanFeed(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return f, nil
}

func (s *Store) ListFeeds(ctx context.Context, activeOnly bool) ([]models.FeedConfig, error) {
	q := s.psql.Select(feedCols).From("feeds").OrderBy("name")
	if activeOnly {
		q = q.Where(sq.Eq{"is_active": true})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build feed list: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []models.FeedConfig
	for rows.Next() {
		f, err := scanFeed(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func (s *Store) CreateFeed(ctx context.Context, f *models.FeedConfig) (uuid.UUID, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	query, args, err := s.psql.Insert("feeds").
		Columns("id", "name", "url", "category", "ai_provider", "ai_model", "enable_scraping",
			"enable_ai_processing", "auto_publish", "quality_threshold", "fallback_image_url", "is_active").
		Values(f.ID, f.Name, f.URL, f.Category, nilIfEmpty(f.AIProvider), nilIfEmpty(f.AIModel), f.EnableScraping,
			f.EnableAIProcessing, f.AutoPublish, f.QualityThreshold, nilIfEmpty(f.FallbackImageURL), f.IsActive).
		ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("build feed insert: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return uuid.Nil, fmt.Errorf("create feed: %w", err)
	}
	return f.ID, nil
}

// RecordFeedFetch stamps a poll attempt; a nil fetchErr clears nothing but
// moves last_fetched_at forward.
func (s *Store) RecordFeedFetch(ctx context.Context, feedID uuid.UUID, fetchErr error) error {
	var err error
	if fetchErr == nil {
		_, err = s.pool.Exec(ctx, `UPDATE feeds SET last_fetched_at = NOW() WHERE id = $1`, feedID)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE feeds SET last_error = $2, last_error_at = NOW() WHERE id = $1`,
			feedID, truncate(fetchErr.Error(), 1000))
	}
	if err != nil {
		return fmt.Errorf("record feed fetch: %w", err)
	}
	return nil
}

func (s *Store) GetProviderCredentials(ctx context.Context, provider string) (*models.ProviderConfig, error) {
	return s.queryProvider(ctx, `
		SELECT provider, model, api_key, is_active FROM ai_providers WHERE lower(provider) = lower($1)
	`, provider)
}

func (s *Store) GetActiveProvider(ctx context.Context) (*models.ProviderConfig, error) {
	return s.queryProvider(ctx, `
		SELECT provider, model, api_key, is_active FROM ai_providers WHERE is_active LIMIT 1
	`)
}

func (s *Store) queryProvider(ctx context.Context, query string, args ...interface{}) (*models.ProviderConfig, error) {
	var p models.ProviderConfig
	err := s.pool.QueryRow(ctx, query, args...).Scan(&p.Provider, &p.Model, &p.APIKey, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	return &p, nil
}

// UpsertProvider stores a provider; marking it active deactivates the others.
func (s *Store) UpsertProvider(ctx context.Context, p models.ProviderConfig) error {
	name := strings.ToLower(strings.TrimSpace(p.Provider))
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if p.IsActive {
			if _, err := tx.Exec(ctx, `UPDATE ai_providers SET is_active = FALSE WHERE is_active AND provider <> $1`, name); err != nil {
				return fmt.Errorf("deactivate providers: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ai_providers (provider, model, api_key, is_active, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (provider) DO UPDATE
			SET model = EXCLUDED.model, api_key = EXCLUDED.api_key,
				is_active = EXCLUDED.is_active, updated_at = NOW()
		`, name, p.Model, p.APIKey, p.IsActive)
		if err != nil {
			return fmt.Errorf("upsert provider: %w", err)
		}
		return nil
	})
}

func (s *Store) GetPromptTemplate(ctx context.Context, category string) (string, error) {
	var tmpl string
	err := s.pool.QueryRow(ctx, `SELECT template FROM prompt_templates WHERE category = $1`, category).Scan(&tmpl)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load prompt template: %w", err)
	}
	return tmpl, nil
}

func (s *Store) SetPromptTemplate(ctx context.Context, category, template string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompt_templates (category, template, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (category) DO UPDATE SET template = EXCLUDED.template, updated_at = NOW()
	`, category, template)
	if err != nil {
		return fmt.Errorf("set prompt template: %w", err)
	}
	return nil
}

// nilIfEmpty returns nil for empty strings so NULL is stored in DB.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
