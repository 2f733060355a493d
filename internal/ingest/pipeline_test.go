package ingest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/david/opportunity-pipeline/internal/ai"
	"github.com/david/opportunity-pipeline/internal/models"
)

const acceptedJSON = `{"valid":true,"title":"Global Essay Prize","excerpt":"Write an essay","content":"<p>Details</p><script>x()</script>","confidence_score":0.9,"deadline":"2026-03-15","prize_value":"$5,000"}`

func newTestPipeline(store *memStore, gen Generator, scraper Scraper) *Pipeline {
	return NewPipeline(store, store, scraper, gen, nil)
}

func baseItem() models.QueueItem {
	return models.QueueItem{
		Category:           "contest",
		SourceURL:          "https://example.org/essay-prize",
		Title:              "Essay prize",
		Content:            "Feed summary of the essay prize",
		EnableAIProcessing: true,
		AutoPublish:        true,
		QualityThreshold:   0.6,
	}
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	store := newMemStore()
	gen := &stubGenerator{raw: acceptedJSON}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Processed {
		t.Fatalf("empty queue must report processed=false")
	}
}

func TestProcessNext_EndToEndAcceptance(t *testing.T) {
	store := newMemStore()
	item := store.enqueue(baseItem())
	gen := &stubGenerator{raw: acceptedJSON}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Processed || out.Duplicate || out.Rejected {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.OpportunityID == nil || out.Status != models.OpportunityPublished {
		t.Fatalf("expected published opportunity, got %+v", out)
	}

	if len(store.records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(store.records))
	}
	rec := store.records[0]
	if rec.Status != models.OpportunityPublished || rec.Title != "Global Essay Prize" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Content != "<p>Details</p>" {
		t.Fatalf("content not sanitized: %q", rec.Content)
	}
	if rec.DeadlineAt == nil || rec.DeadlineAt.Format("2006-01-02") != "2026-03-15" {
		t.Fatalf("deadline not parsed: %v", rec.DeadlineAt)
	}
	if rec.PrizeAmount != 5000 || rec.PrizeCurrency != "USD" {
		t.Fatalf("prize not parsed: %v %s", rec.PrizeAmount, rec.PrizeCurrency)
	}
	if rec.AIProvider != "openai" {
		t.Fatalf("provider = %q", rec.AIProvider)
	}

	c := store.counters[item.FeedID]
	if c.processed != 1 || c.published != 1 {
		t.Fatalf("expected one processed and one published increment, got %+v", c)
	}
	if got := store.finalized[item.ID]; len(got) != 1 || got[0] != models.QueueCompleted {
		t.Fatalf("expected a single completed finalize, got %v", got)
	}
}

func TestProcessNext_DraftWithoutAutoPublish(t *testing.T) {
	store := newMemStore()
	base := baseItem()
	base.AutoPublish = false
	base.ImageURL = ""
	base.FallbackImageURL = "https://cdn.example.org/fallback.png"
	item := store.enqueue(base)

	out, err := newTestPipeline(store, &stubGenerator{raw: acceptedJSON}, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != models.OpportunityDraft {
		t.Fatalf("status = %s, want draft", out.Status)
	}
	if store.records[0].FeaturedImageURL != base.FallbackImageURL {
		t.Fatalf("fallback image not used: %q", store.records[0].FeaturedImageURL)
	}
	if c := store.counters[item.FeedID]; c.processed != 1 || c.published != 0 {
		t.Fatalf("draft must not count as published: %+v", c)
	}
}

func TestProcessNext_DuplicateShortCircuits(t *testing.T) {
	store := newMemStore()
	item := store.enqueue(baseItem())
	store.records = append(store.records, &models.Opportunity{SourceURL: item.SourceURL, Status: models.OpportunityPublished})
	gen := &stubGenerator{raw: acceptedJSON}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Processed || !out.Duplicate {
		t.Fatalf("expected duplicate outcome, got %+v", out)
	}
	if len(gen.calls) != 0 {
		t.Fatalf("generator must not be called for duplicates")
	}
	if store.status(item.ID) != models.QueueDuplicate {
		t.Fatalf("status = %s, want duplicate", store.status(item.ID))
	}
	if len(store.records) != 1 {
		t.Fatalf("no new record expected")
	}
}

func TestProcessNext_RejectedRecordDoesNotBlockReprocessing(t *testing.T) {
	store := newMemStore()
	item := store.enqueue(baseItem())
	store.records = append(store.records, &models.Opportunity{SourceURL: item.SourceURL, Status: models.OpportunityRejected})

	out, err := newTestPipeline(store, &stubGenerator{raw: acceptedJSON}, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Duplicate {
		t.Fatalf("rejected records are not dedup hits")
	}
}

func TestProcessNext_ScraperFailureIsNonFatal(t *testing.T) {
	for _, scraper := range []Scraper{failingScraper{}, failingScraper{panics: true}} {
		store := newMemStore()
		base := baseItem()
		base.EnableScraping = true
		item := store.enqueue(base)
		gen := &stubGenerator{raw: acceptedJSON}

		out, err := newTestPipeline(store, gen, scraper).ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(gen.calls) != 1 {
			t.Fatalf("generator should be reached once, got %d calls", len(gen.calls))
		}
		if gen.calls[0].Content != item.Content || gen.calls[0].Title != item.Title {
			t.Fatalf("expected original feed content, got %+v", gen.calls[0])
		}
		if out.Status != models.OpportunityPublished {
			t.Fatalf("unexpected outcome: %+v", out)
		}
	}
}

func TestProcessNext_ScrapedContentReplacesFeedText(t *testing.T) {
	store := newMemStore()
	base := baseItem()
	base.EnableScraping = true
	store.enqueue(base)
	gen := &stubGenerator{raw: acceptedJSON}
	scraper := fixedScraper{content: ScrapedContent{Title: "Full Title", Content: "Full article text"}}

	if _, err := newTestPipeline(store, gen, scraper).ProcessNext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.calls[0].Content != "Full article text" || gen.calls[0].Title != "Full Title" {
		t.Fatalf("scraped text not used: %+v", gen.calls[0])
	}
}

func TestProcessNext_LowConfidenceIsRejected(t *testing.T) {
	store := newMemStore()
	item := store.enqueue(baseItem())
	gen := &stubGenerator{raw: `{"valid":true,"title":"Maybe","content":"<p>x</p>","confidence_score":0.59}`}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("rejection is not an error: %v", err)
	}
	if !out.Rejected || out.Status != models.OpportunityRejected {
		t.Fatalf("expected rejection, got %+v", out)
	}
	rec := store.records[0]
	if rec.RejectionReason == "" || rec.ConfidenceScore == nil || *rec.ConfidenceScore != 0.59 {
		t.Fatalf("rejected record must keep reason and confidence: %+v", rec)
	}
	if c := store.counters[item.FeedID]; c.published != 0 {
		t.Fatalf("rejection must not increment published: %+v", c)
	}
	if store.status(item.ID) != models.QueueCompleted {
		t.Fatalf("rejections finalize completed, got %s", store.status(item.ID))
	}
}

func TestProcessNext_ZeroThresholdAcceptsAnyConfidence(t *testing.T) {
	store := newMemStore()
	it := baseItem()
	it.QualityThreshold = 0
	item := store.enqueue(it)
	gen := &stubGenerator{raw: `{"valid":true,"title":"Long shot","content":"<p>x</p>","confidence_score":0.3}`}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Rejected || out.Status != models.OpportunityPublished {
		t.Fatalf("threshold 0 must accept confidence 0.3, got %+v", out)
	}
	if c := store.counters[item.FeedID]; c.published != 1 {
		t.Fatalf("expected published counter bump: %+v", c)
	}
}

func TestProcessNext_ExplicitInvalidIsRejected(t *testing.T) {
	store := newMemStore()
	store.enqueue(baseItem())
	gen := &stubGenerator{raw: "INVALID_CONTENT: this is a job post"}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Rejected || store.records[0].RejectionReason != "Content not suitable for processing" {
		t.Fatalf("unexpected outcome %+v / %+v", out, store.records[0])
	}
}

func TestProcessNext_VendorErrorFailsItem(t *testing.T) {
	store := newMemStore()
	item := store.enqueue(baseItem())
	vendorErr := &ai.VendorError{Provider: "openai", StatusCode: 401, Body: "invalid api key"}
	gen := &stubGenerator{err: vendorErr}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if !errors.As(err, new(*ai.VendorError)) {
		t.Fatalf("expected vendor error, got %v", err)
	}
	if out.Error == "" || !out.Processed {
		t.Fatalf("outcome must carry the error: %+v", out)
	}
	if store.status(item.ID) != models.QueueFailed {
		t.Fatalf("status = %s, want failed", store.status(item.ID))
	}
	if len(store.records) != 0 {
		t.Fatalf("no record may be created on vendor failure")
	}
}

func TestProcessNext_MissingProviderFailsItem(t *testing.T) {
	store := newMemStore()
	store.active = nil
	item := store.enqueue(baseItem())

	_, err := newTestPipeline(store, &stubGenerator{raw: acceptedJSON}, nil).ProcessNext(context.Background())
	if !errors.Is(err, ai.ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if store.status(item.ID) != models.QueueFailed {
		t.Fatalf("status = %s, want failed", store.status(item.ID))
	}
}

func TestProcessNext_FeedProviderOverride(t *testing.T) {
	store := newMemStore()
	store.providers["anthropic"] = &models.ProviderConfig{Provider: "anthropic", Model: "stored", APIKey: "ak"}
	base := baseItem()
	base.AIProvider = "anthropic"
	base.AIModel = "feed-model"
	store.enqueue(base)
	gen := &stubGenerator{raw: acceptedJSON}

	if _, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.creds[0].Provider != ai.Anthropic || gen.creds[0].Model != "feed-model" {
		t.Fatalf("override not applied: %+v", gen.creds[0])
	}
	if store.records[0].AIProvider != "anthropic" {
		t.Fatalf("record provider = %q", store.records[0].AIProvider)
	}
}

func TestProcessNext_AIDisabledPublishesFeedContent(t *testing.T) {
	store := newMemStore()
	base := baseItem()
	base.EnableAIProcessing = false
	store.enqueue(base)
	gen := &stubGenerator{raw: acceptedJSON}

	out, err := newTestPipeline(store, gen, nil).ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gen.calls) != 0 {
		t.Fatalf("generator must be skipped when AI processing is off")
	}
	if out.Status != models.OpportunityPublished || store.records[0].Title != base.Title {
		t.Fatalf("unexpected outcome %+v / %+v", out, store.records[0])
	}
	if store.records[0].ConfidenceScore != nil {
		t.Fatalf("no confidence without a model")
	}
}

func TestProcessNext_StoreErrorFailsItem(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("connection refused")
	item := store.enqueue(baseItem())

	out, err := newTestPipeline(store, &stubGenerator{raw: acceptedJSON}, nil).ProcessNext(context.Background())
	if err == nil {
		t.Fatalf("store errors must surface")
	}
	if out.Error == "" || store.status(item.ID) != models.QueueFailed {
		t.Fatalf("item should be failed, got %s (%+v)", store.status(item.ID), out)
	}
}

func TestProcessNext_PublishLogCarriesItemFields(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	store := newMemStore()
	item := store.enqueue(baseItem())
	if _, err := newTestPipeline(store, &stubGenerator{raw: acceptedJSON}, nil).ProcessNext(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"message":"opportunity stored"`) {
			stored = line
		}
	}
	if stored == "" {
		t.Fatalf("no publish line in:\n%s", buf.String())
	}
	for _, want := range []string{
		`"queue_id":"` + item.ID.String() + `"`,
		`"feed_id":"` + item.FeedID.String() + `"`,
		`"source_url":"` + item.SourceURL + `"`,
	} {
		if !strings.Contains(stored, want) {
			t.Fatalf("publish line missing %s: %s", want, stored)
		}
	}
}
