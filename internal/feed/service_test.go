package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
	"github.com/reconly/reconly/internal/telemetry"
)

type fakeStore struct {
	feed    store.Feed
	feedErr error
	sources []store.Source

	digests    map[string]store.Digest
	saved      []store.Digest
	provenance map[string][]store.DigestSourceItem
	usage      []store.UsageLog
	finished   *store.FeedRun
	lastRunAt  *time.Time
	health     map[string]store.Source
	nextID     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		digests:    make(map[string]store.Digest),
		provenance: make(map[string][]store.DigestSourceItem),
		health:     make(map[string]store.Source),
	}
}

func (f *fakeStore) GetFeed(ctx context.Context, id string) (store.Feed, error) {
	if f.feedErr != nil {
		return store.Feed{}, f.feedErr
	}
	return f.feed, nil
}

func (f *fakeStore) ListFeedSources(ctx context.Context, feedID string) ([]store.Source, error) {
	return f.sources, nil
}

func (f *fakeStore) CreateFeedRun(ctx context.Context, feedID, trigger, traceID string, total int) (string, error) {
	return "run-1", nil
}

func (f *fakeStore) FinishFeedRun(ctx context.Context, run store.FeedRun) error {
	f.finished = &run
	return nil
}

func (f *fakeStore) UpdateFeedLastRun(ctx context.Context, feedID string, at time.Time) error {
	f.lastRunAt = &at
	return nil
}

func (f *fakeStore) UpdateSourceHealth(ctx context.Context, src store.Source) error {
	f.health[src.ID] = src
	return nil
}

func (f *fakeStore) GetDigestByURL(ctx context.Context, url string) (store.Digest, bool, error) {
	d, ok := f.digests[url]
	return d, ok, nil
}

func (f *fakeStore) SaveDigest(ctx context.Context, d store.Digest, items []store.DigestSourceItem, usage *store.UsageLog) (store.Digest, bool, error) {
	if existing, ok := f.digests[d.URL]; ok {
		return existing, false, nil
	}
	f.nextID++
	d.ID = fmt.Sprintf("digest-%d", f.nextID)
	f.digests[d.URL] = d
	f.saved = append(f.saved, d)
	f.provenance[d.ID] = items
	if usage != nil {
		u := *usage
		u.DigestID = d.ID
		f.usage = append(f.usage, u)
	}
	return d, true, nil
}

func (f *fakeStore) InsertUsageLog(ctx context.Context, u store.UsageLog) error {
	f.usage = append(f.usage, u)
	return nil
}

type fakeWatermarks struct {
	marks map[string]time.Time
	sets  int
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{marks: make(map[string]time.Time)}
}

func (f *fakeWatermarks) Get(ctx context.Context, key string) (time.Time, bool, error) {
	t, ok := f.marks[key]
	return t, ok, nil
}

func (f *fakeWatermarks) Set(ctx context.Context, key string, at time.Time) error {
	f.marks[key] = at
	f.sets++
	return nil
}

type fakeFetcher struct {
	items     []Item
	err       error
	lastSince *time.Time
	calls     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, since *time.Time, maxItems int) ([]Item, error) {
	f.calls++
	f.lastSince = since
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeSummarizer struct {
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req provider.Request) (provider.Result, error) {
	f.calls++
	if f.err != nil {
		return provider.Result{}, f.err
	}
	return provider.Result{
		Summary:       "summary of " + req.Title,
		ProviderName:  "openai",
		EstimatedCost: 0.001,
		Model: provider.ModelInfo{
			Provider: "openai", Model: "gpt-4o-mini",
			InputTokens: 100, OutputTokens: 40,
		},
	}, nil
}

type fakeDeliverer struct {
	err     error
	digests []store.Digest
	calls   int
}

func (f *fakeDeliverer) Deliver(ctx context.Context, feed store.Feed, run store.FeedRun, digests []store.Digest) error {
	f.calls++
	f.digests = digests
	return f.err
}

func ts(offset time.Duration) *time.Time {
	t := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC).Add(offset)
	return &t
}

func rssItems(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{
			URL:       fmt.Sprintf("https://example.com/post/%d", i),
			Title:     fmt.Sprintf("Post %d", i),
			Content:   fmt.Sprintf("Body of post %d", i),
			Published: ts(time.Duration(i) * time.Hour),
		}
	}
	return out
}

type testEnv struct {
	svc        *Service
	store      *fakeStore
	watermarks *fakeWatermarks
	fetcher    *fakeFetcher
	summarizer *fakeSummarizer
	deliverer  *fakeDeliverer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      newFakeStore(),
		watermarks: newFakeWatermarks(),
		fetcher:    &fakeFetcher{},
		summarizer: &fakeSummarizer{},
		deliverer:  &fakeDeliverer{},
	}
	env.store.feed = store.Feed{ID: "feed-1", Name: "Tech", DigestMode: store.DigestModeIndividual, Language: "en"}
	env.store.sources = []store.Source{
		{ID: "src-1", Type: store.SourceTypeRSS, Name: "Example", URL: "https://example.com/rss", Enabled: true},
	}
	logger := log.New(io.Discard, "", 0)
	env.svc = NewService(Deps{
		Store:      env.store,
		Watermarks: env.watermarks,
		Summarizer: env.summarizer,
		Fetchers:   map[string]Fetcher{store.SourceTypeRSS: env.fetcher},
		Deliverer:  env.deliverer,
		Breaker:    NewCircuitBreaker(3, 30*time.Minute, env.store, logger),
		Telemetry:  telemetry.New(prometheus.NewRegistry()),
		Logger:     logger,
	})
	return env
}

func TestRunFeedCompletedIndividualMode(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.items = rssItems(3)

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.Status != store.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", sum.Status)
	}
	if sum.ItemsProcessed != 3 || sum.SourcesProcessed != 1 {
		t.Fatalf("items=%d sources=%d, want 3/1", sum.ItemsProcessed, sum.SourcesProcessed)
	}
	if len(env.store.saved) != 3 {
		t.Fatalf("saved %d digests, want 3", len(env.store.saved))
	}
	if len(env.store.usage) != 3 {
		t.Fatalf("usage logs = %d, want 3", len(env.store.usage))
	}
	if sum.TokensInput != 300 || sum.TokensOutput != 120 {
		t.Fatalf("tokens = %d/%d, want 300/120", sum.TokensInput, sum.TokensOutput)
	}
	if env.store.finished == nil || env.store.finished.Status != store.RunStatusCompleted {
		t.Fatalf("terminal run not persisted: %+v", env.store.finished)
	}
	if env.store.lastRunAt == nil {
		t.Fatal("feed last_run_at not stamped")
	}
	// watermark advanced to newest published item
	wm, ok := env.watermarks.marks["rss:https://example.com/rss"]
	if !ok {
		t.Fatal("watermark not advanced")
	}
	if want := *ts(2 * time.Hour); !wm.Equal(want) {
		t.Fatalf("watermark = %s, want %s", wm, want)
	}
	if env.deliverer.calls != 1 || len(env.deliverer.digests) != 3 {
		t.Fatalf("delivery calls=%d digests=%d, want 1/3", env.deliverer.calls, len(env.deliverer.digests))
	}
}

func TestRunFeedDedupesExistingURLs(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.items = rssItems(3)
	env.store.digests["https://example.com/post/1"] = store.Digest{ID: "old", URL: "https://example.com/post/1"}

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.ItemsProcessed != 2 {
		t.Fatalf("items = %d, want 2 (one deduped)", sum.ItemsProcessed)
	}
	if env.summarizer.calls != 2 {
		t.Fatalf("summarizer calls = %d, want 2", env.summarizer.calls)
	}
}

func TestRunFeedPartialOnSourceFailure(t *testing.T) {
	env := newTestEnv(t)
	broken := &fakeFetcher{err: errors.New("connection refused")}
	env.fetcher.items = rssItems(2)
	env.store.sources = append(env.store.sources,
		store.Source{ID: "src-2", Type: store.SourceTypeWebsite, Name: "Broken", URL: "https://down.example.com", Enabled: true})
	env.svc.fetchers[store.SourceTypeWebsite] = broken

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.Status != store.RunStatusPartial {
		t.Fatalf("status = %s, want partial", sum.Status)
	}
	if sum.SourcesProcessed != 1 || sum.SourcesFailed != 1 {
		t.Fatalf("processed=%d failed=%d, want 1/1", sum.SourcesProcessed, sum.SourcesFailed)
	}
	if len(sum.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(sum.Errors))
	}
	if sum.Errors[0].Kind != ErrKindFetch {
		t.Fatalf("error kind = %s, want %s", sum.Errors[0].Kind, ErrKindFetch)
	}
	if env.store.health["src-2"].ConsecutiveFailures != 1 {
		t.Fatalf("failure streak = %d, want 1", env.store.health["src-2"].ConsecutiveFailures)
	}
	if !strings.Contains(env.store.finished.ErrorLog, "connection refused") {
		t.Fatalf("error log missing failure: %q", env.store.finished.ErrorLog)
	}
}

func TestRunFeedTimeoutFailureForcesFailed(t *testing.T) {
	env := newTestEnv(t)
	slow := &fakeFetcher{err: errors.New("request timeout after 30s")}
	env.fetcher.items = rssItems(2)
	env.store.sources = append(env.store.sources,
		store.Source{ID: "src-2", Type: store.SourceTypeWebsite, Name: "Slow", URL: "https://slow.example.com", Enabled: true})
	env.svc.fetchers[store.SourceTypeWebsite] = slow

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	// a timeout among the source errors is critical: it fails the run
	// even though another source processed fine
	if sum.Status != store.RunStatusFailed {
		t.Fatalf("status = %s, want failed", sum.Status)
	}
	if sum.SourcesProcessed != 1 || sum.SourcesFailed != 1 {
		t.Fatalf("processed=%d failed=%d, want 1/1", sum.SourcesProcessed, sum.SourcesFailed)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Kind != ErrKindTimeout {
		t.Fatalf("errors = %+v, want one %s", sum.Errors, ErrKindTimeout)
	}
	if env.deliverer.calls != 0 {
		t.Fatal("failed run must not deliver")
	}
}

func TestRunFeedFailedWhenNothingSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.err = errors.New("boom")

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "scheduled"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.Status != store.RunStatusFailed {
		t.Fatalf("status = %s, want failed", sum.Status)
	}
	if env.deliverer.calls != 0 {
		t.Fatal("failed run must not deliver")
	}
}

func TestRunFeedSkipsOpenCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.items = rssItems(1)
	lastFail := time.Now().Add(-5 * time.Minute)
	env.store.sources = append(env.store.sources, store.Source{
		ID: "src-2", Type: store.SourceTypeRSS, Name: "Flaky", URL: "https://flaky.example.com/rss",
		Enabled: true, ConsecutiveFailures: 3, LastFailureAt: &lastFail,
	})

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.SourcesSkipped != 1 || sum.SourcesProcessed != 1 {
		t.Fatalf("skipped=%d processed=%d, want 1/1", sum.SourcesSkipped, sum.SourcesProcessed)
	}
	if sum.Status != store.RunStatusCompleted {
		t.Fatalf("status = %s, want completed (skips never fail a run)", sum.Status)
	}
	if env.fetcher.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1 (open source must not be fetched)", env.fetcher.calls)
	}
	found := false
	for _, e := range sum.Errors {
		if e.Kind == ErrKindCircuitOpen && e.SourceID == "src-2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no CircuitOpenError recorded: %+v", sum.Errors)
	}
}

func TestRunFeedCompletedWithWarningsOnDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.items = rssItems(1)
	env.deliverer.err = errors.New("webhook returned 500")

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.Status != store.RunStatusCompletedWithWarnings {
		t.Fatalf("status = %s, want completed_with_warnings", sum.Status)
	}
	last := sum.Errors[len(sum.Errors)-1]
	if last.Kind != ErrKindExport {
		t.Fatalf("error kind = %s, want %s", last.Kind, ErrKindExport)
	}
}

func TestRunFeedDryRunPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.items = rssItems(3)

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual", DryRun: true})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.ItemsProcessed != 3 {
		t.Fatalf("items = %d, want 3 reported", sum.ItemsProcessed)
	}
	if env.summarizer.calls != 0 {
		t.Fatal("dry run must not call the LLM")
	}
	if len(env.store.saved) != 0 || env.store.finished != nil || env.store.lastRunAt != nil {
		t.Fatal("dry run must not persist")
	}
	if env.watermarks.sets != 0 {
		t.Fatal("dry run must not advance watermarks")
	}
	if env.deliverer.calls != 0 {
		t.Fatal("dry run must not deliver")
	}
}

func TestRunFeedPerSourceModeConsolidatesPerSource(t *testing.T) {
	env := newTestEnv(t)
	env.store.feed.DigestMode = store.DigestModePerSource
	env.fetcher.items = rssItems(4)

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual", SaveSnapshots: true, SnapshotMaxChars: 100})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.ItemsProcessed != 4 {
		t.Fatalf("items = %d, want 4", sum.ItemsProcessed)
	}
	if len(env.store.saved) != 1 {
		t.Fatalf("digests = %d, want 1 consolidated", len(env.store.saved))
	}
	d := env.store.saved[0]
	if d.ConsolidatedCount != 4 {
		t.Fatalf("consolidated_count = %d, want 4", d.ConsolidatedCount)
	}
	if !strings.HasPrefix(d.URL, "consolidated://feed-1/run-1/source/") {
		t.Fatalf("unexpected synthetic URL %q", d.URL)
	}
	if rows := env.store.provenance[d.ID]; len(rows) != 4 {
		t.Fatalf("provenance rows = %d, want 4", len(rows))
	}
	if env.summarizer.calls != 1 {
		t.Fatalf("summarizer calls = %d, want 1", env.summarizer.calls)
	}
}

func TestRunFeedAllSourcesMergesAcrossSources(t *testing.T) {
	env := newTestEnv(t)
	env.store.feed.DigestMode = store.DigestModeAllSources
	second := &fakeFetcher{items: []Item{
		{URL: "https://other.example.com/a", Title: "Other A", Content: "a", Published: ts(30 * time.Minute)},
		{URL: "https://other.example.com/b", Title: "Other B", Content: "b", Published: ts(90 * time.Minute)},
	}}
	env.fetcher.items = rssItems(3)
	env.store.sources = append(env.store.sources,
		store.Source{ID: "src-2", Type: store.SourceTypeRSS, Name: "Other", URL: "https://other.example.com/rss", Enabled: true})
	// second fetcher shares the rss slot; swap in a router
	env.svc.fetchers[store.SourceTypeRSS] = fetcherByURL{
		"https://example.com/rss":       env.fetcher,
		"https://other.example.com/rss": second,
	}

	sum, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"})
	if err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if sum.Status != store.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", sum.Status)
	}
	if sum.ItemsProcessed != 5 {
		t.Fatalf("items = %d, want 5", sum.ItemsProcessed)
	}
	if len(env.store.saved) != 1 {
		t.Fatalf("digests = %d, want exactly one for the whole feed", len(env.store.saved))
	}
	d := env.store.saved[0]
	if d.URL != "consolidated://feed-1/run-1/all" {
		t.Fatalf("synthetic URL = %q", d.URL)
	}
	if d.ConsolidatedCount != 5 {
		t.Fatalf("consolidated_count = %d, want 5", d.ConsolidatedCount)
	}
	// each source's watermark advanced to its own newest item
	if wm := env.watermarks.marks["rss:https://example.com/rss"]; !wm.Equal(*ts(2 * time.Hour)) {
		t.Fatalf("first watermark = %s", wm)
	}
	if wm := env.watermarks.marks["rss:https://other.example.com/rss"]; !wm.Equal(*ts(90 * time.Minute)) {
		t.Fatalf("second watermark = %s", wm)
	}
}

type fetcherByURL map[string]*fakeFetcher

func (f fetcherByURL) Fetch(ctx context.Context, url string, since *time.Time, maxItems int) ([]Item, error) {
	ff, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", url)
	}
	return ff.Fetch(ctx, url, since, maxItems)
}

func TestRunFeedFeedNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.store.feedErr = sql.ErrNoRows

	_, err := env.svc.RunFeed(context.Background(), "missing", Options{})
	if !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("err = %v, want ErrFeedNotFound", err)
	}
}

func TestRunFeedNoSources(t *testing.T) {
	env := newTestEnv(t)
	env.store.sources = nil

	_, err := env.svc.RunFeed(context.Background(), "feed-1", Options{})
	if !errors.Is(err, ErrNoSources) {
		t.Fatalf("err = %v, want ErrNoSources", err)
	}
	if env.store.finished != nil {
		t.Fatal("precondition failure must not create a run")
	}
}

func TestRunFeedUsesWatermarkAsSince(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.items = rssItems(1)
	prior := *ts(-24 * time.Hour)
	env.watermarks.marks["rss:https://example.com/rss"] = prior

	if _, err := env.svc.RunFeed(context.Background(), "feed-1", Options{Trigger: "manual"}); err != nil {
		t.Fatalf("RunFeed: %v", err)
	}
	if env.fetcher.lastSince == nil || !env.fetcher.lastSince.Equal(prior) {
		t.Fatalf("since = %v, want %s", env.fetcher.lastSince, prior)
	}
}
