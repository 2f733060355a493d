package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/db"
	"github.com/david/opportunity-pipeline/internal/models"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// handleRunPipeline processes at most one queue item. Rejections and
// duplicates are 200s; only store or vendor failures are 500s.
func (s *Server) handleRunPipeline(c echo.Context) error {
	out, err := s.Pipeline.ProcessNext(c.Request().Context())
	if err != nil {
		log.Error().Err(err).Msg("pipeline run failed")
		if out.Error == "" {
			out.Error = err.Error()
		}
		return c.JSON(http.StatusInternalServerError, out)
	}
	return c.JSON(http.StatusOK, out)
}

type drainSummary struct {
	Processed int `json:"processed"`
	Published int `json:"published"`
	Drafts    int `json:"drafts"`
	Rejected  int `json:"rejected"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// handleDrainQueue starts a background job that processes items until the
// queue is empty or the drain limit is hit.
func (s *Server) handleDrainQueue(c echo.Context) error {
	job, started := s.startJob(func(ctx context.Context) (any, error) {
		var sum drainSummary
		for i := 0; i < s.opts.DrainLimit; i++ {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			out, err := s.Pipeline.ProcessNext(ctx)
			if err != nil && out.QueueItemID == nil {
				// Nothing was claimed; stop instead of spinning on a broken store.
				return sum, err
			}
			if !out.Processed {
				break
			}
			sum.Processed++
			switch {
			case err != nil:
				sum.Failed++
			case out.Duplicate:
				sum.Duplicate++
			case out.Rejected:
				sum.Rejected++
			case out.Status == models.OpportunityPublished:
				sum.Published++
			default:
				sum.Drafts++
			}
		}
		return sum, nil
	})
	if !started {
		return c.JSON(http.StatusConflict, map[string]string{"error": "a job is already running", "job_id": job.ID})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "running"})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	job := s.runningJob

	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQueueStats(c echo.Context) error {
	stats, err := s.Store.QueueStats(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to load queue stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleReleaseStale(c echo.Context) error {
	olderThan := s.opts.ClaimTimeout
	if raw := c.QueryParam("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "older_than must be a positive duration"})
		}
		olderThan = d
	}
	released, failed, err := s.Store.ReleaseStale(c.Request().Context(), olderThan)
	if err != nil {
		return internalError(c, "failed to release stale items", err)
	}
	return c.JSON(http.StatusOK, map[string]int{"released": released, "failed": failed})
}

func (s *Server) handleRetryFailed(c echo.Context) error {
	n, err := s.Store.RetryFailed(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to requeue failed items", err)
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}

func (s *Server) handleListFeeds(c echo.Context) error {
	active := c.QueryParam("active") == "true"
	list, err := s.Store.ListFeeds(c.Request().Context(), active)
	if err != nil {
		return internalError(c, "failed to list feeds", err)
	}
	if list == nil {
		list = []models.FeedConfig{}
	}
	return c.JSON(http.StatusOK, list)
}

type createFeedRequest struct {
	Name               string   `json:"name"`
	URL                string   `json:"url"`
	Category           string   `json:"category"`
	AIProvider         string   `json:"ai_provider"`
	AIModel            string   `json:"ai_model"`
	EnableScraping     bool     `json:"enable_scraping"`
	EnableAIProcessing *bool    `json:"enable_ai_processing"`
	AutoPublish        bool     `json:"auto_publish"`
	QualityThreshold   *float64 `json:"quality_threshold"`
	FallbackImageURL   string   `json:"fallback_image_url"`
}

func (s *Server) handleCreateFeed(c echo.Context) error {
	var req createFeedRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	req.Name = strings.TrimSpace(req.Name)
	req.URL = strings.TrimSpace(req.URL)
	if req.Name == "" || !strings.HasPrefix(req.URL, "http") {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name and an http(s) url are required"})
	}

	feed := &models.FeedConfig{
		Name:               req.Name,
		URL:                req.URL,
		Category:           req.Category,
		AIProvider:         strings.ToLower(strings.TrimSpace(req.AIProvider)),
		AIModel:            strings.TrimSpace(req.AIModel),
		EnableScraping:     req.EnableScraping,
		EnableAIProcessing: true,
		AutoPublish:        req.AutoPublish,
		QualityThreshold:   *s.opts.DefaultThreshold,
		FallbackImageURL:   req.FallbackImageURL,
		IsActive:           true,
	}
	if feed.Category == "" {
		feed.Category = "scholarship"
	}
	if req.EnableAIProcessing != nil {
		feed.EnableAIProcessing = *req.EnableAIProcessing
	}
	if req.QualityThreshold != nil {
		if *req.QualityThreshold < 0 || *req.QualityThreshold > 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "quality_threshold must be within [0,1]"})
		}
		feed.QualityThreshold = *req.QualityThreshold
	}

	id, err := s.Store.CreateFeed(c.Request().Context(), feed)
	if err != nil {
		return internalError(c, "failed to create feed", err)
	}
	feed.ID = id
	return c.JSON(http.StatusCreated, feed)
}

func (s *Server) handlePollFeed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid feed id"})
	}
	res, err := s.Poller.Poll(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "feed not found"})
	}
	if err != nil {
		log.Error().Err(err).Str("feed_id", id.String()).Msg("feed poll failed")
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePollAll(c echo.Context) error {
	results, err := s.Poller.PollAll(c.Request().Context())
	if err != nil {
		return internalError(c, "failed to poll feeds", err)
	}
	return c.JSON(http.StatusOK, results)
}

var knownProviders = map[string]bool{
	"openai": true, "deepseek": true, "anthropic": true, "claude": true,
	"gemini": true, "google": true, "ollama": true,
}

type upsertProviderRequest struct {
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	IsActive bool   `json:"is_active"`
}

func (s *Server) handleUpsertProvider(c echo.Context) error {
	name := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if !knownProviders[name] {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown provider"})
	}
	var req upsertProviderRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	p := models.ProviderConfig{Provider: name, Model: strings.TrimSpace(req.Model), APIKey: strings.TrimSpace(req.APIKey), IsActive: req.IsActive}
	if err := s.Store.UpsertProvider(c.Request().Context(), p); err != nil {
		return internalError(c, "failed to store provider", err)
	}
	return c.JSON(http.StatusOK, p)
}

type setPromptRequest struct {
	Template string `json:"template"`
}

func (s *Server) handleSetPrompt(c echo.Context) error {
	category := strings.TrimSpace(c.Param("category"))
	var req setPromptRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Template) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "template is required"})
	}
	if err := s.Store.SetPromptTemplate(c.Request().Context(), category, req.Template); err != nil {
		return internalError(c, "failed to store prompt", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	f := models.OpportunityFilter{Status: models.OpportunityStatus(c.QueryParam("status"))}
	switch f.Status {
	case "", models.OpportunityDraft, models.OpportunityPublished, models.OpportunityRejected:
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil {
		f.Limit = l
	}
	if raw := c.QueryParam("feed_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid feed_id"})
		}
		f.FeedID = &id
	}

	list, err := s.Store.ListOpportunities(c.Request().Context(), f)
	if err != nil {
		return internalError(c, "failed to list opportunities", err)
	}
	if list == nil {
		list = []models.Opportunity{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
	}
	opp, err := s.Store.GetOpportunity(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	}
	if err != nil {
		return internalError(c, "failed to load opportunity", err)
	}
	return c.JSON(http.StatusOK, opp)
}

func internalError(c echo.Context, msg string, err error) error {
	log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg(msg)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
}
