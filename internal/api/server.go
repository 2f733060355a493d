package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/feeds"
	"github.com/david/opportunity-pipeline/internal/ingest"
	"github.com/david/opportunity-pipeline/internal/models"
)

// Backend is the store surface the admin API drives. Both the Postgres and
// the SQLite store satisfy it.
type Backend interface {
	QueueStats(ctx context.Context) (models.QueueStats, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (released, failed int, err error)
	RetryFailed(ctx context.Context) (int, error)

	CreateFeed(ctx context.Context, f *models.FeedConfig) (uuid.UUID, error)
	ListFeeds(ctx context.Context, activeOnly bool) ([]models.FeedConfig, error)
	GetFeedConfig(ctx context.Context, feedID uuid.UUID) (*models.FeedConfig, error)

	UpsertProvider(ctx context.Context, p models.ProviderConfig) error
	SetPromptTemplate(ctx context.Context, category, template string) error

	ListOpportunities(ctx context.Context, f models.OpportunityFilter) ([]models.Opportunity, error)
	GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error)
}

// Runner processes one queue item per call.
type Runner interface {
	ProcessNext(ctx context.Context) (ingest.Outcome, error)
}

// FeedPoller enqueues the entries of configured feeds.
type FeedPoller interface {
	Poll(ctx context.Context, feedID uuid.UUID) (feeds.PollResult, error)
	PollAll(ctx context.Context) ([]feeds.PollResult, error)
}

// Options configures a Server.
type Options struct {
	AdminSecret  string
	ClaimTimeout time.Duration
	// DrainLimit caps the items one drain job processes.
	DrainLimit int
	// DefaultThreshold applies to new feeds that do not set one. Nil means
	// ingest.DefaultQualityThreshold; zero is a valid threshold.
	DefaultThreshold *float64
}

type Server struct {
	Store    Backend
	Pipeline Runner
	Poller   FeedPoller
	Echo     *echo.Echo

	opts        Options
	adminSecret string

	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

func NewServer(store Backend, pipeline Runner, poller FeedPoller, opts Options) (*Server, error) {
	secret, err := resolveAdminSecret(opts.AdminSecret)
	if err != nil {
		return nil, err
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 15 * time.Minute
	}
	if opts.DrainLimit <= 0 {
		opts.DrainLimit = 500
	}
	if opts.DefaultThreshold == nil {
		t := ingest.DefaultQualityThreshold
		opts.DefaultThreshold = &t
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil || v.Status >= 500 {
				ev = log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("duration_ms", v.Latency.Milliseconds()).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: corsOrigins(os.Getenv("CORS_ORIGINS")),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Store:       store,
		Pipeline:    pipeline,
		Poller:      poller,
		Echo:        e,
		opts:        opts,
		adminSecret: secret,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)

	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/pipeline/run", s.handleRunPipeline)
	admin.POST("/pipeline/drain", s.handleDrainQueue)
	admin.GET("/jobs/:id", s.handleJobStatus)

	admin.GET("/queue/stats", s.handleQueueStats)
	admin.POST("/queue/release-stale", s.handleReleaseStale)
	admin.POST("/queue/retry-failed", s.handleRetryFailed)

	admin.GET("/feeds", s.handleListFeeds)
	admin.POST("/feeds", s.handleCreateFeed)
	admin.POST("/feeds/poll", s.handlePollAll)
	admin.POST("/feeds/:id/poll", s.handlePollFeed)

	admin.PUT("/providers/:provider", s.handleUpsertProvider)
	admin.PUT("/prompts/:category", s.handleSetPrompt)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + strings.TrimPrefix(port, ":"))
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Cancel != nil {
		s.runningJob.Cancel()
	}
	s.jobMu.Unlock()
	return s.Echo.Shutdown(ctx)
}

// adminMiddleware accepts the secret as X-Admin-Secret or as a bearer token.
func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Request().Header
		if secretEqual(h.Get("X-Admin-Secret"), s.adminSecret) {
			return next(c)
		}
		if token, ok := bearerToken(h.Get(echo.HeaderAuthorization)); ok && secretEqual(token, s.adminSecret) {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "admin secret required"})
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

// corsOrigins is the local dashboard origin plus a comma-separated list.
func corsOrigins(extra string) []string {
	origins := []string{"http://localhost:4200"}
	for _, o := range strings.Split(extra, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func secretEqual(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// resolveAdminSecret falls back to an ephemeral random secret so admin
// routes are never open.
func resolveAdminSecret(configured string) (string, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return secret, nil
	}
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
	}
	log.Warn().Msg("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// startJob runs fn in the background unless another job is running.
func (s *Server) startJob(fn func(ctx context.Context) (any, error)) (*backgroundJob, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		return s.runningJob, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &backgroundJob{
		ID:        uuid.NewString(),
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    cancel,
	}
	s.runningJob = job

	go func() {
		defer cancel()
		result, err := fn(ctx)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = time.Now()
		job.Result = result
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			log.Error().Err(err).Str("job_id", job.ID).Msg("background job failed")
			return
		}
		job.Status = "completed"
		log.Info().Str("job_id", job.ID).Dur("took", job.EndedAt.Sub(job.StartedAt)).Msg("background job completed")
	}()
	return job, true
}
