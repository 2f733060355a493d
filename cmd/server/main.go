package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/app"
	"github.com/david/opportunity-pipeline/internal/config"
	"github.com/david/opportunity-pipeline/internal/feeds"
	"github.com/david/opportunity-pipeline/internal/ingest"
	"github.com/david/opportunity-pipeline/internal/logging"
)

type options struct {
	Config  string        `long:"config" env:"PIPELINE_CONFIG" description:"Path to the YAML config file"`
	Port    string        `long:"port" description:"HTTP port (overrides config and PORT)"`
	Driver  string        `long:"driver" choice:"postgres" choice:"sqlite" description:"Database driver (overrides config)"`
	Worker  bool          `long:"worker" description:"Run the built-in pipeline ticker even if pipeline.interval is unset"`
	Every   time.Duration `long:"every" default:"10s" description:"Ticker period used with --worker when pipeline.interval is unset"`
	Batch   int           `long:"batch" default:"20" description:"Maximum items processed per tick"`
	NoServe bool          `long:"no-serve" description:"Only run the ticker, without the HTTP API"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		logging.Setup("info", true)
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if opts.Port != "" {
		cfg.HTTP.Port = opts.Port
	}
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
	}
	if opts.Worker && cfg.Pipeline.Interval == 0 {
		cfg.Pipeline.Interval = opts.Every
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to connect to database")
	}
	defer closeBackend()

	pipeline := app.NewPipeline(cfg, backend)
	poller := app.NewPoller(cfg, backend)

	if cfg.Pipeline.Interval > 0 {
		go runWorker(ctx, pipeline, backend, cfg, opts.Batch)
	}
	if cfg.Pipeline.PollInterval > 0 {
		go runPoller(ctx, poller, cfg.Pipeline.PollInterval)
	}

	if opts.NoServe {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return
	}

	srv, err := app.NewServer(cfg, backend, pipeline, poller)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Str("driver", cfg.Database.Driver).Msg("server starting")
		if err := srv.Start(cfg.HTTP.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}

// runWorker releases stale claims and processes up to batch items on every
// tick, stopping early when the queue is empty.
func runWorker(ctx context.Context, pipeline *ingest.Pipeline, backend app.Backend, cfg config.Config, batch int) {
	ticker := time.NewTicker(cfg.Pipeline.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", cfg.Pipeline.Interval).Int("batch", batch).Msg("pipeline worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		released, failed, err := backend.ReleaseStale(ctx, cfg.Pipeline.ClaimTimeout)
		if err != nil {
			log.Error().Err(err).Msg("release stale failed")
		} else if released+failed > 0 {
			log.Warn().Int("released", released).Int("failed", failed).Msg("stale claims recovered")
		}

		for i := 0; i < batch && ctx.Err() == nil; i++ {
			out, err := pipeline.ProcessNext(ctx)
			if err != nil && out.QueueItemID == nil {
				log.Error().Err(err).Msg("pipeline tick aborted")
				break
			}
			if !out.Processed {
				break
			}
		}
	}
}

func runPoller(ctx context.Context, poller *feeds.Poller, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := poller.PollAll(ctx); err != nil {
				log.Error().Err(err).Msg("feed polling failed")
			}
		}
	}
}
