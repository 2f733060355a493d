package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/models"
)

// claimSQL flips the oldest claimable row in one statement. The repeated
// status guard keeps a second writer from re-claiming a row that changed
// between the subquery and the update.
const claimSQL = `
	UPDATE queue_items
	SET status = 'processing', attempts = attempts + 1, claimed_at = ?
	WHERE id = (
		SELECT id FROM queue_items
		WHERE status = 'pending' AND attempts < ?
		ORDER BY created_at, id
		LIMIT 1
	) AND status = 'pending'
	RETURNING id
`

const claimedItemSQL = `
	SELECT q.id, q.feed_id, q.source_url, q.title, q.content, q.image_url, q.status,
		q.attempts, q.last_error, q.created_at, q.claimed_at, q.completed_at,
		COALESCE(f.category, '') AS category, COALESCE(f.ai_provider, '') AS ai_provider,
		COALESCE(f.ai_model, '') AS ai_model, COALESCE(f.enable_scraping, 0) AS enable_scraping,
		COALESCE(f.enable_ai_processing, 1) AS enable_ai_processing,
		COALESCE(f.auto_publish, 0) AS auto_publish,
		COALESCE(f.quality_threshold, 0.6) AS quality_threshold,
		COALESCE(f.fallback_image_url, '') AS fallback_image_url
	FROM queue_items q
	LEFT JOIN feeds f ON f.id = q.feed_id
	WHERE q.id = ?
`

type queueRow struct {
	ID                 uuid.UUID     `db:"id"`
	FeedID             uuid.UUID     `db:"feed_id"`
	SourceURL          string        `db:"source_url"`
	Title              string        `db:"title"`
	Content            string        `db:"content"`
	ImageURL           string        `db:"image_url"`
	Status             string        `db:"status"`
	Attempts           int           `db:"attempts"`
	LastError          string        `db:"last_error"`
	CreatedAt          int64         `db:"created_at"`
	ClaimedAt          sql.NullInt64 `db:"claimed_at"`
	CompletedAt        sql.NullInt64 `db:"completed_at"`
	Category           string        `db:"category"`
	AIProvider         string        `db:"ai_provider"`
	AIModel            string        `db:"ai_model"`
	EnableScraping     bool          `db:"enable_scraping"`
	EnableAIProcessing bool          `db:"enable_ai_processing"`
	AutoPublish        bool          `db:"auto_publish"`
	QualityThreshold   float64       `db:"quality_threshold"`
	FallbackImageURL   string        `db:"fallback_image_url"`
}

func (r queueRow) toModel() *models.QueueItem {
	return &models.QueueItem{
		ID:                 r.ID,
		FeedID:             r.FeedID,
		Category:           r.Category,
		SourceURL:          r.SourceURL,
		Title:              r.Title,
		Content:            r.Content,
		ImageURL:           r.ImageURL,
		EnableScraping:     r.EnableScraping,
		EnableAIProcessing: r.EnableAIProcessing,
		AutoPublish:        r.AutoPublish,
		AIProvider:         r.AIProvider,
		AIModel:            r.AIModel,
		QualityThreshold:   r.QualityThreshold,
		FallbackImageURL:   r.FallbackImageURL,
		Status:             models.QueueStatus(r.Status),
		Attempts:           r.Attempts,
		LastError:          r.LastError,
		CreatedAt:          fromMillis(r.CreatedAt),
		ClaimedAt:          fromNullMillis(r.ClaimedAt),
		CompletedAt:        fromNullMillis(r.CompletedAt),
	}
}

// ClaimNext moves the oldest pending item to processing, or returns nil
// when the queue is empty. The claim itself is the single claimSQL
// statement; the feed policy is joined by a follow-up read of the claimed
// row, so a feed edited in between is seen with its new settings.
func (s *Store) ClaimNext(ctx context.Context) (*models.QueueItem, error) {
	var id string
	err := s.db.QueryRowxContext(ctx, claimSQL, s.Now().UnixMilli(), s.maxAttempts()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}

	var row queueRow
	if err := s.db.GetContext(ctx, &row, claimedItemSQL, id); err != nil {
		return nil, fmt.Errorf("load claimed item %s: %w", id, err)
	}
	return row.toModel(), nil
}

// Finalize moves a processing item to a terminal status. Repeating the
// call, or finalizing an item that is not processing, only logs.
func (s *Store) Finalize(ctx context.Context, id uuid.UUID, status models.QueueStatus, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize: %q is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, last_error = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'
	`, string(status), truncate(message, 1000), s.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("finalize queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		_ = s.db.GetContext(ctx, &current, `SELECT status FROM queue_items WHERE id = ?`, id.String())
		log.Warn().
			Str("queue_id", id.String()).
			Str("requested", string(status)).
			Str("current", current).
			Msg("finalize was a no-op")
	}
	return nil
}

// Enqueue adds a pending item unless the feed already queued this URL.
func (s *Store) Enqueue(ctx context.Context, item models.NewQueueItem) (uuid.UUID, bool, error) {
	id := uuid.New()
	query, args, err := s.psql.Insert("queue_items").
		Columns("id", "feed_id", "source_url", "title", "content", "image_url", "status", "created_at").
		Values(id.String(), item.FeedID.String(), item.SourceURL, item.Title, item.Content, item.ImageURL,
			string(models.QueuePending), s.Now().UnixMilli()).
		Suffix("ON CONFLICT (feed_id, source_url) DO NOTHING").
		ToSql()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("build enqueue: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("enqueue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// ReleaseStale reverts items stuck in processing since before now-olderThan.
// Items that used up their attempts are dead-lettered as failed instead.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Duration) (released, failed int, err error) {
	now := s.Now()
	max := s.maxAttempts()
	rows, err := s.db.QueryxContext(ctx, `
		UPDATE queue_items
		SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
			last_error = CASE WHEN attempts >= ?
				THEN 'claim timed out after ' || attempts || ' attempts'
				ELSE last_error END,
			completed_at = CASE WHEN attempts >= ? THEN ? ELSE NULL END
		WHERE status = 'processing' AND claimed_at < ?
		RETURNING status
	`, max, max, max, now.UnixMilli(), now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, 0, fmt.Errorf("release stale: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return released, failed, fmt.Errorf("scan released: %w", err)
		}
		if status == string(models.QueueFailed) {
			failed++
		} else {
			released++
		}
	}
	return released, failed, rows.Err()
}

// RetryFailed requeues failed items that still have attempts left.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', completed_at = NULL
		WHERE status = 'failed' AND attempts < ?
	`, s.maxAttempts())
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return int(n), nil
}

func (s *Store) QueueStats(ctx context.Context) (models.QueueStats, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM queue_items GROUP BY status`); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	stats := models.QueueStats{}
	for _, r := range rows {
		stats[models.QueueStatus(r.Status)] = r.N
	}
	return stats, nil
}

func (s *Store) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}
