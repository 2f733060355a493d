package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/david/opportunity-pipeline/internal/ai"
	"github.com/david/opportunity-pipeline/internal/models"
)

type counterDelta struct {
	processed, published int
}

// memStore is an in-memory ContentStore and WorkQueue.
type memStore struct {
	mu sync.Mutex

	items     []*models.QueueItem
	records   []*models.Opportunity
	counters  map[uuid.UUID]counterDelta
	providers map[string]*models.ProviderConfig
	active    *models.ProviderConfig
	templates map[string]string
	finalized map[uuid.UUID][]models.QueueStatus

	insertErr error
}

func newMemStore() *memStore {
	return &memStore{
		counters:  map[uuid.UUID]counterDelta{},
		providers: map[string]*models.ProviderConfig{},
		templates: map[string]string{},
		finalized: map[uuid.UUID][]models.QueueStatus{},
		active:    &models.ProviderConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test", IsActive: true},
	}
}

func (s *memStore) enqueue(item models.QueueItem) *models.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.FeedID == uuid.Nil {
		item.FeedID = uuid.New()
	}
	item.Status = models.QueuePending
	s.items = append(s.items, &item)
	return &item
}

func (s *memStore) ClaimNext(_ context.Context) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.Status == models.QueuePending {
			it.Status = models.QueueProcessing
			it.Attempts++
			cp := *it
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) Finalize(_ context.Context, id uuid.UUID, status models.QueueStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id && it.Status == models.QueueProcessing {
			it.Status = status
			it.LastError = message
		}
	}
	s.finalized[id] = append(s.finalized[id], status)
	return nil
}

func (s *memStore) status(id uuid.UUID) models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ID == id {
			return it.Status
		}
	}
	return ""
}

func (s *memStore) FindBySourceURL(_ context.Context, sourceURL string) (*models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.SourceURL == sourceURL && r.Status != models.OpportunityRejected {
			return r, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertOpportunity(_ context.Context, opp *models.Opportunity) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return uuid.Nil, s.insertErr
	}
	cp := *opp
	cp.ID = uuid.New()
	s.records = append(s.records, &cp)
	return cp.ID, nil
}

func (s *memStore) IncrementFeedCounters(_ context.Context, feedID uuid.UUID, processed, published int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[feedID]
	c.processed += processed
	c.published += published
	s.counters[feedID] = c
	return nil
}

func (s *memStore) GetFeedConfig(_ context.Context, feedID uuid.UUID) (*models.FeedConfig, error) {
	return &models.FeedConfig{ID: feedID}, nil
}

func (s *memStore) GetProviderCredentials(_ context.Context, provider string) (*models.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providers[provider], nil
}

func (s *memStore) GetActiveProvider(_ context.Context) (*models.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *memStore) GetPromptTemplate(_ context.Context, category string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[category], nil
}

type stubGenerator struct {
	raw   string
	err   error
	calls []ai.PromptInput
	creds []ai.Credentials
}

func (g *stubGenerator) Generate(_ context.Context, in ai.PromptInput, _ string, creds ai.Credentials) (string, error) {
	g.calls = append(g.calls, in)
	g.creds = append(g.creds, creds)
	return g.raw, g.err
}

type failingScraper struct {
	panics bool
}

func (f failingScraper) Scrape(context.Context, string) (*ScrapedContent, error) {
	if f.panics {
		panic("boom")
	}
	return nil, errors.New("connection reset by peer")
}

type fixedScraper struct {
	content ScrapedContent
}

func (f fixedScraper) Scrape(_ context.Context, url string) (*ScrapedContent, error) {
	c := f.content
	c.URL = url
	return &c, nil
}
