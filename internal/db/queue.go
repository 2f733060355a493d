package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/models"
)

// claimSQL selects and flips the oldest claimable row in one statement.
// SKIP LOCKED makes concurrent claimers pass over a row another
// transaction is already flipping instead of waiting for it.
const claimSQL = `
	WITH next AS (
		SELECT id
		FROM queue_items
		WHERE status = 'pending' AND attempts < $1
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	), claimed AS (
		UPDATE queue_items q
		SET status = 'processing', attempts = q.attempts + 1, claimed_at = NOW()
		FROM next
		WHERE q.id = next.id
		RETURNING q.id, q.feed_id, q.source_url, q.title, q.content, q.image_url, q.status,
			q.attempts, q.last_error, q.created_at, q.claimed_at, q.completed_at
	)
	SELECT c.id, c.feed_id, c.source_url, c.title, c.content, COALESCE(c.image_url, ''), c.status,
		c.attempts, COALESCE(c.last_error, ''), c.created_at, c.claimed_at, c.completed_at,
		COALESCE(f.category, ''), COALESCE(f.ai_provider, ''), COALESCE(f.ai_model, ''),
		COALESCE(f.enable_scraping, FALSE), COALESCE(f.enable_ai_processing, TRUE),
		COALESCE(f.auto_publish, FALSE), COALESCE(f.quality_threshold, 0.6),
		COALESCE(f.fallback_image_url, '')
	FROM claimed c
	LEFT JOIN feeds f ON f.id = c.feed_id
`

// ClaimNext moves the oldest pending item to processing and returns it
// joined with its feed policy, or nil when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*models.QueueItem, error) {
	var it models.QueueItem
	var status string
	err := s.pool.QueryRow(ctx, claimSQL, s.maxAttempts()).Scan(
		&it.ID, &it.FeedID, &it.SourceURL, &it.Title, &it.Content, &it.ImageURL, &status,
		&it.Attempts, &it.LastError, &it.CreatedAt, &it.ClaimedAt, &it.CompletedAt,
		&it.Category, &it.AIProvider, &it.AIModel,
		&it.EnableScraping, &it.EnableAIProcessing,
		&it.AutoPublish, &it.QualityThreshold,
		&it.FallbackImageURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	it.Status = models.QueueStatus(status)
	return &it, nil
}

// Finalize moves a processing item to a terminal status. Repeating the
// call, or finalizing an item that is not processing, only logs.
func (s *Store) Finalize(ctx context.Context, id uuid.UUID, status models.QueueStatus, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize: %q is not a terminal status", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, last_error = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, string(status), nilIfEmpty(truncate(message, 1000)))
	if err != nil {
		return fmt.Errorf("finalize queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		_ = s.pool.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1`, id).Scan(&current)
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
		Columns("id", "feed_id", "source_url", "title", "content", "image_url", "status").
		Values(id, item.FeedID, item.SourceURL, item.Title, item.Content, nilIfEmpty(item.ImageURL), string(models.QueuePending)).
		Suffix("ON CONFLICT (feed_id, source_url) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("build enqueue: %w", err)
	}

	err = s.pool.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("enqueue: %w", err)
	}
	return id, true, nil
}

// ReleaseStale reverts items stuck in processing since before now-olderThan.
// Items that used up their attempts are dead-lettered as failed instead.
func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Duration) (released, failed int, err error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue_items
		SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'pending' END,
			last_error = CASE WHEN attempts >= $2
				THEN 'claim timed out after ' || attempts || ' attempts'
				ELSE last_error END,
			completed_at = CASE WHEN attempts >= $2 THEN NOW() ELSE NULL END
		WHERE status = 'processing' AND claimed_at < $1
		RETURNING status
	`, time.Now().Add(-olderThan), s.maxAttempts())
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', completed_at = NULL
		WHERE status = 'failed' AND attempts < $1
	`, s.maxAttempts())
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) QueueStats(ctx context.Context) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := models.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[models.QueueStatus(status)] = n
	}
	return stats, rows.Err()
}

func (s *Store) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 3
}
