package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/david/opportunity-pipeline/internal/ingest"
	"github.com/david/opportunity-pipeline/internal/models"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Opportunities</title>
  <link>https://example.org</link>
  <item>
    <title>Global Innovation Grant</title>
    <link>https://example.org/grants/innovation</link>
    <description>&lt;p&gt;Up to $50,000 for early-stage teams.&lt;/p&gt;</description>
    <enclosure url="https://example.org/img/innovation.jpg" type="image/jpeg" length="1024"/>
  </item>
  <item>
    <title>Women in STEM Scholarship</title>
    <link>https://example.org/scholarships/stem</link>
    <description>Full tuition for undergraduates.</description>
  </item>
  <item>
    <title>No link here</title>
    <description>Should be skipped.</description>
  </item>
</channel>
</rss>`

type memStore struct {
	mu      sync.Mutex
	feeds   map[uuid.UUID]*models.FeedConfig
	queued  map[string]models.NewQueueItem
	fetches map[uuid.UUID][]error
}

func newMemStore(feeds ...*models.FeedConfig) *memStore {
	s := &memStore{
		feeds:   map[uuid.UUID]*models.FeedConfig{},
		queued:  map[string]models.NewQueueItem{},
		fetches: map[uuid.UUID][]error{},
	}
	for _, f := range feeds {
		s.feeds[f.ID] = f
	}
	return s
}

func (s *memStore) GetFeedConfig(_ context.Context, id uuid.UUID) (*models.FeedConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *f
	return &cp, nil
}

func (s *memStore) ListFeeds(_ context.Context, activeOnly bool) ([]models.FeedConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FeedConfig
	for _, f := range s.feeds {
		if activeOnly && !f.IsActive {
			continue
		}
		out = append(out, *f)
	}
	return out, nil
}

func (s *memStore) Enqueue(_ context.Context, it models.NewQueueItem) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := it.FeedID.String() + "|" + it.SourceURL
	if _, ok := s.queued[key]; ok {
		return uuid.Nil, false, nil
	}
	s.queued[key] = it
	return uuid.New(), true, nil
}

func (s *memStore) RecordFeedFetch(_ context.Context, id uuid.UUID, fetchErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[id] = append(s.fetches[id], fetchErr)
	return nil
}

func newFeedServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssFixture))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher() ingest.Fetcher {
	return ingest.NewHTTPFetcher(ingest.FetchConfig{Timeout: 5 * time.Second, AllowPrivateHosts: true})
}

func TestPoller_EnqueuesLinkedEntries(t *testing.T) {
	srv := newFeedServer(t)
	feed := &models.FeedConfig{ID: uuid.New(), Name: "Example", URL: srv.URL + "/rss", IsActive: true}
	store := newMemStore(feed)
	p := NewPoller(store, testFetcher())

	res, err := p.Poll(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Items != 2 || res.Enqueued != 2 || res.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	grant, ok := store.queued[feed.ID.String()+"|https://example.org/grants/innovation"]
	if !ok {
		t.Fatalf("grant entry not queued: %v", store.queued)
	}
	if grant.Title != "Global Innovation Grant" || grant.ImageURL != "https://example.org/img/innovation.jpg" {
		t.Fatalf("entry fields not mapped: %+v", grant)
	}
	if !strings.Contains(grant.Content, "$50,000") {
		t.Fatalf("description not carried as content: %q", grant.Content)
	}

	// Polling again queues nothing new.
	res, err = p.Poll(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if res.Enqueued != 0 || res.Skipped != 2 {
		t.Fatalf("repeat poll must skip known entries: %+v", res)
	}
	if got := store.fetches[feed.ID]; len(got) != 2 || got[0] != nil {
		t.Fatalf("fetches not recorded: %v", got)
	}
}

func TestPoller_PollAllRecordsFailures(t *testing.T) {
	srv := newFeedServer(t)
	good := &models.FeedConfig{ID: uuid.New(), Name: "good", URL: srv.URL + "/rss", IsActive: true}
	bad := &models.FeedConfig{ID: uuid.New(), Name: "bad", URL: srv.URL + "/broken", IsActive: true}
	off := &models.FeedConfig{ID: uuid.New(), Name: "off", URL: srv.URL + "/rss", IsActive: false}
	store := newMemStore(good, bad, off)
	p := NewPoller(store, testFetcher())

	results, err := p.PollAll(context.Background())
	if err != nil {
		t.Fatalf("poll all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("inactive feeds must be skipped, got %d results", len(results))
	}

	byFeed := map[uuid.UUID]PollResult{}
	for _, r := range results {
		byFeed[r.FeedID] = r
	}
	if byFeed[good.ID].Enqueued != 2 {
		t.Fatalf("good feed: %+v", byFeed[good.ID])
	}
	if !strings.Contains(byFeed[bad.ID].Error, "410") {
		t.Fatalf("bad feed error = %q", byFeed[bad.ID].Error)
	}
	if errs := store.fetches[bad.ID]; len(errs) != 1 || errs[0] == nil {
		t.Fatalf("failure not recorded on feed: %v", errs)
	}
}

func TestPoller_ParseRejectsGarbage(t *testing.T) {
	p := NewPoller(newMemStore(), testFetcher())
	if _, err := p.parse([]byte("not a feed")); err == nil {
		t.Fatalf("expected parse error")
	}
}
