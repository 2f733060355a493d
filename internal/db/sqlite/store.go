package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/david/opportunity-pipeline/internal/db"
	"github.com/david/opportunity-pipeline/internal/models"
)

// Store is the SQLite content store and work queue. Times are stored as
// unix milliseconds.
type Store struct {
	db   *sqlx.DB
	psql sq.StatementBuilderType

	// MaxAttempts bounds how often an item may be claimed.
	MaxAttempts int
	// Now is the clock used for every timestamp written.
	Now func() time.Time
}

func NewStore(conn *sqlx.DB) *Store {
	return &Store{
		db:          conn,
		psql:        sq.StatementBuilder.PlaceholderFormat(sq.Question),
		MaxAttempts: 3,
		Now:         time.Now,
	}
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

type opportunityRow struct {
	ID               uuid.UUID       `db:"id"`
	Title            string          `db:"title"`
	Slug             string          `db:"slug"`
	Excerpt          string          `db:"excerpt"`
	Content          string          `db:"content"`
	Category         string          `db:"category"`
	SourceURL        string          `db:"source_url"`
	FeedID           uuid.NullUUID   `db:"feed_id"`
	Status           string          `db:"status"`
	RejectionReason  string          `db:"rejection_reason"`
	ConfidenceScore  sql.NullFloat64 `db:"confidence_score"`
	AIProvider       string          `db:"ai_provider"`
	DeadlineAt       sql.NullInt64   `db:"deadline_at"`
	DeadlineRaw      string          `db:"deadline_raw"`
	PrizeValue       string          `db:"prize_value"`
	PrizeAmount      float64         `db:"prize_amount"`
	PrizeCurrency    string          `db:"prize_currency"`
	Location         string          `db:"location"`
	FeaturedImageURL string          `db:"featured_image_url"`
	CreatedAt        int64           `db:"created_at"`
	UpdatedAt        int64           `db:"updated_at"`
}

const opportunityCols = `id, title, slug, excerpt, content, category, source_url, feed_id,
	status, rejection_reason, confidence_score, ai_provider, deadline_at, deadline_raw,
	prize_value, prize_amount, prize_currency, location, featured_image_url, created_at, updated_at`

func (r opportunityRow) toModel() models.Opportunity {
	o := models.Opportunity{
		ID:               r.ID,
		Title:            r.Title,
		Slug:             r.Slug,
		Excerpt:          r.Excerpt,
		Content:          r.Content,
		Category:         r.Category,
		SourceURL:        r.SourceURL,
		Status:           models.OpportunityStatus(r.Status),
		RejectionReason:  r.RejectionReason,
		AIProvider:       r.AIProvider,
		DeadlineAt:       fromNullMillis(r.DeadlineAt),
		DeadlineRaw:      r.DeadlineRaw,
		PrizeValue:       r.PrizeValue,
		PrizeAmount:      r.PrizeAmount,
		PrizeCurrency:    r.PrizeCurrency,
		Location:         r.Location,
		FeaturedImageURL: r.FeaturedImageURL,
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
	if r.FeedID.Valid {
		id := r.FeedID.UUID
		o.FeedID = &id
	}
	if r.ConfidenceScore.Valid {
		c := r.ConfidenceScore.Float64
		o.ConfidenceScore = &c
	}
	return o
}

// FindBySourceURL returns the oldest non-rejected record for sourceURL, or nil.
func (s *Store) FindBySourceURL(ctx context.Context, sourceURL string) (*models.Opportunity, error) {
	var row opportunityRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+opportunityCols+`
		FROM opportunities
		WHERE source_url = ? AND status <> 'rejected'
		ORDER BY created_at
		LIMIT 1
	`, sourceURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by source url: %w", err)
	}
	o := row.toModel()
	return &o, nil
}

func (s *Store) GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	var row opportunityRow
	err := s.db.GetContext(ctx, &row, `SELECT `+opportunityCols+` FROM opportunities WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity: %w", err)
	}
	o := row.toModel()
	return &o, nil
}

// InsertOpportunity stores the record. Embeddings are not persisted by
// this backend.
func (s *Store) InsertOpportunity(ctx context.Context, opp *models.Opportunity) (uuid.UUID, error) {
	id := opp.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.Now().UTC()
	created := opp.CreatedAt
	if created.IsZero() {
		created = now
	}

	var feedID interface{}
	if opp.FeedID != nil {
		feedID = opp.FeedID.String()
	}

	query, args, err := s.psql.Insert("opportunities").
		Columns(
			"id", "title", "slug", "excerpt", "content", "category", "source_url", "feed_id",
			"status", "rejection_reason", "confidence_score", "ai_provider", "deadline_at", "deadline_raw",
			"prize_value", "prize_amount", "prize_currency", "location", "featured_image_url",
			"created_at", "updated_at",
		).
		Values(
			id.String(), opp.Title, opp.Slug, opp.Excerpt, opp.Content, opp.Category, opp.SourceURL, feedID,
			string(opp.Status), opp.RejectionReason, toNullFloat(opp.ConfidenceScore), opp.AIProvider, toNullMillis(opp.DeadlineAt), opp.DeadlineRaw,
			opp.PrizeValue, opp.PrizeAmount, opp.PrizeCurrency, opp.Location, opp.FeaturedImageURL,
			created.UnixMilli(), now.UnixMilli(),
		).
		ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
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
		q = q.Where(sq.Eq{"feed_id": f.FeedID.String()})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	var rows []opportunityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	out := make([]models.Opportunity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

type feedRow struct {
	ID                 uuid.UUID     `db:"id"`
	Name               string        `db:"name"`
	URL                string        `db:"url"`
	Category           string        `db:"category"`
	AIProvider         string        `db:"ai_provider"`
	AIModel            string        `db:"ai_model"`
	EnableScraping     bool          `db:"enable_scraping"`
	EnableAIProcessing bool          `db:"enable_ai_processing"`
	AutoPublish        bool          `db:"auto_publish"`
	QualityThreshold   float64       `db:"quality_threshold"`
	FallbackImageURL   string        `db:"fallback_image_url"`
	IsActive           bool          `db:"is_active"`
	TotalProcessed     int           `db:"total_processed"`
	TotalPublished     int           `db:"total_published"`
	LastFetchedAt      sql.NullInt64 `db:"last_fetched_at"`
	LastError          string        `db:"last_error"`
	LastErrorAt        sql.NullInt64 `db:"last_error_at"`
}

const feedCols = `id, name, url, category, ai_provider, ai_model, enable_scraping, enable_ai_processing,
	auto_publish, quality_threshold, fallback_image_url, is_active, total_processed, total_published,
	last_fetched_at, last_error, last_error_at`

func (r feedRow) toModel() models.FeedConfig {
	return models.FeedConfig{
		ID:                 r.ID,
		Name:               r.Name,
		URL:                r.URL,
		Category:           r.Category,
		AIProvider:         r.AIProvider,
		AIModel:            r.AIModel,
		EnableScraping:     r.EnableScraping,
		EnableAIProcessing: r.EnableAIProcessing,
		AutoPublish:        r.AutoPublish,
		QualityThreshold:   r.QualityThreshold,
		FallbackImageURL:   r.FallbackImageURL,
		IsActive:           r.IsActive,
		TotalProcessed:     r.TotalProcessed,
		TotalPublished:     r.TotalPublished,
		LastFetchedAt:      fromNullMillis(r.LastFetchedAt),
		LastError:          r.LastError,
		LastErrorAt:        fromNullMillis(r.LastErrorAt),
	}
}

// IncrementFeedCounters adds the deltas in one statement so concurrent
// workers never lose an update.
func (s *Store) IncrementFeedCounters(ctx context.Context, feedID uuid.UUID, processed, published int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET total_processed = total_processed + ?,
			total_published = total_published + ?,
			last_fetched_at = ?
		WHERE id = ?
	`, processed, published, s.Now().UnixMilli(), feedID.String())
	if err != nil {
		return fmt.Errorf("increment feed counters: %w", err)
	}
	return nil
}

func (s *Store) GetFeedConfig(ctx context.Context, feedID uuid.UUID) (*models.FeedConfig, error) {
	var row feedRow
	err := s.db.GetContext(ctx, &row, `SELECT `+feedCols+` FROM feeds WHERE id = ?`, feedID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	f := row.toModel()
	return &f, nil
}

func (s *Store) ListFeeds(ctx context.Context, activeOnly bool) ([]models.FeedConfig, error) {
	q := s.psql.Select(feedCols).From("feeds").OrderBy("name")
	if activeOnly {
		q = q.Where(sq.Eq{"is_active": 1})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build feed list: %w", err)
	}

	var rows []feedRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	feeds := make([]models.FeedConfig, 0, len(rows))
	for _, r := range rows {
		feeds = append(feeds, r.toModel())
	}
	return feeds, nil
}

func (s *Store) CreateFeed(ctx context.Context, f *models.FeedConfig) (uuid.UUID, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	query, args, err := s.psql.Insert("feeds").
		Columns("id", "name", "url", "category", "ai_provider", "ai_model", "enable_scraping",
			"enable_ai_processing", "auto_publish", "quality_threshold", "fallback_image_url", "is_active", "created_at").
		Values(f.ID.String(), f.Name, f.URL, f.Category, f.AIProvider, f.AIModel, f.EnableScraping,
			f.EnableAIProcessing, f.AutoPublish, f.QualityThreshold, f.FallbackImageURL, f.IsActive, s.Now().UnixMilli()).
		ToSql()
	if err != nil {
		return uuid.Nil, fmt.Errorf("build feed insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("create feed: url %q already registered", f.URL)
		}
		return uuid.Nil, fmt.Errorf("create feed: %w", err)
	}
	return f.ID, nil
}

// RecordFeedFetch stamps a poll attempt; a failed poll records the error.
func (s *Store) RecordFeedFetch(ctx context.Context, feedID uuid.UUID, fetchErr error) error {
	now := s.Now().UnixMilli()
	var err error
	if fetchErr == nil {
		_, err = s.db.ExecContext(ctx, `UPDATE feeds SET last_fetched_at = ? WHERE id = ?`, now, feedID.String())
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE feeds SET last_error = ?, last_error_at = ? WHERE id = ?`,
			truncate(fetchErr.Error(), 1000), now, feedID.String())
	}
	if err != nil {
		return fmt.Errorf("record feed fetch: %w", err)
	}
	return nil
}

type providerRow struct {
	Provider string `db:"provider"`
	Model    string `db:"model"`
	APIKey   string `db:"api_key"`
	IsActive bool   `db:"is_active"`
}

func (s *Store) GetProviderCredentials(ctx context.Context, provider string) (*models.ProviderConfig, error) {
	return s.queryProvider(ctx, `
		SELECT provider, model, api_key, is_active FROM ai_providers WHERE lower(provider) = lower(?)
	`, provider)
}

func (s *Store) GetActiveProvider(ctx context.Context) (*models.ProviderConfig, error) {
	return s.queryProvider(ctx, `
		SELECT provider, model, api_key, is_active FROM ai_providers WHERE is_active = 1 LIMIT 1
	`)
}

func (s *Store) queryProvider(ctx context.Context, query string, args ...interface{}) (*models.ProviderConfig, error) {
	var row providerRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load provider: %w", err)
	}
	return &models.ProviderConfig{
		Provider: row.Provider,
		Model:    row.Model,
		APIKey:   row.APIKey,
		IsActive: row.IsActive,
	}, nil
}

// UpsertProvider stores a provider; marking it active deactivates the others.
func (s *Store) UpsertProvider(ctx context.Context, p models.ProviderConfig) error {
	name := strings.ToLower(strings.TrimSpace(p.Provider))
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if p.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE ai_providers SET is_active = 0 WHERE is_active = 1 AND provider <> ?`, name); err != nil {
			return fmt.Errorf("deactivate providers: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ai_providers (provider, model, api_key, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE
		SET model = excluded.model, api_key = excluded.api_key,
			is_active = excluded.is_active, updated_at = excluded.updated_at
	`, name, p.Model, p.APIKey, p.IsActive, s.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetPromptTemplate(ctx context.Context, category string) (string, error) {
	var tmpl string
	err := s.db.GetContext(ctx, &tmpl, `SELECT template FROM prompt_templates WHERE category = ?`, category)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load prompt template: %w", err)
	}
	return tmpl, nil
}

func (s *Store) SetPromptTemplate(ctx context.Context, category, template string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_templates (category, template, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (category) DO UPDATE SET template = excluded.template, updated_at = excluded.updated_at
	`, category, template, s.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set prompt template: %w", err)
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func toNullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func toNullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
