package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/app"
	"github.com/david/opportunity-pipeline/internal/config"
	"github.com/david/opportunity-pipeline/internal/logging"
	"github.com/david/opportunity-pipeline/internal/models"
)

type options struct {
	Config string `long:"config" env:"PIPELINE_CONFIG" description:"Path to the YAML config file"`
	Recent int    `long:"recent" default:"10" description:"Number of recent records to list"`
}

var statusOrder = []models.QueueStatus{
	models.QueuePending,
	models.QueueProcessing,
	models.QueueCompleted,
	models.QueueDuplicate,
	models.QueueFailed,
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
	logging.Setup("warn", true)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend, closeBackend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer closeBackend()

	stats, err := backend.QueueStats(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load queue stats")
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Queue")
	t.AppendHeader(table.Row{"Status", "Items"})
	total := 0
	for _, s := range statusOrder {
		t.AppendRow(table.Row{s, stats[s]})
		total += stats[s]
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()

	feedList, err := backend.ListFeeds(ctx, false)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list feeds")
	}
	ft := table.NewWriter()
	ft.SetOutputMirror(os.Stdout)
	ft.SetTitle("Feeds")
	ft.AppendHeader(table.Row{"Name", "Active", "Provider", "Threshold", "Processed", "Published", "Last Fetch", "Last Error"})
	for _, f := range feedList {
		lastFetch := "never"
		if f.LastFetchedAt != nil {
			lastFetch = f.LastFetchedAt.Local().Format("2006-01-02 15:04")
		}
		provider := f.AIProvider
		if provider == "" {
			provider = "(active)"
		}
		ft.AppendRow(table.Row{f.Name, f.IsActive, provider, f.QualityThreshold, f.TotalProcessed, f.TotalPublished, lastFetch, truncate(f.LastError, 40)})
	}
	ft.Render()

	recent, err := backend.ListOpportunities(ctx, models.OpportunityFilter{Limit: opts.Recent})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list records")
	}
	rt := table.NewWriter()
	rt.SetOutputMirror(os.Stdout)
	rt.SetTitle("Recent records")
	rt.AppendHeader(table.Row{"Created", "Status", "Confidence", "Provider", "Title"})
	for _, o := range recent {
		confidence := "-"
		if o.ConfidenceScore != nil {
			confidence = formatPercent(*o.ConfidenceScore)
		}
		rt.AppendRow(table.Row{o.CreatedAt.Local().Format("01-02 15:04"), o.Status, confidence, o.AIProvider, truncate(o.Title, 60)})
	}
	rt.Render()
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
