package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
	"github.com/reconly/reconly/internal/telemetry"
)

// Deps are the collaborators a Service needs. Deliverer and PostRun
// are optional.
type Deps struct {
	Store      Store
	Watermarks Watermarks
	Summarizer Summarizer
	Fetchers   map[string]Fetcher
	Deliverer  Deliverer
	Breaker    *CircuitBreaker
	Telemetry  *telemetry.Telemetry
	Logger     *log.Logger
	PostRun    PostRunHook
}

// Service orchestrates feed runs end to end: source iteration, circuit
// breaking, digest-mode batching, summarization, persistence, delivery
// and run accounting.
type Service struct {
	store      Store
	watermarks Watermarks
	summarizer Summarizer
	fetchers   map[string]Fetcher
	deliverer  Deliverer
	breaker    *CircuitBreaker
	telemetry  *telemetry.Telemetry
	logger     *log.Logger
	postRun    PostRunHook
	processors map[string]Processor
	now        func() time.Time
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[FEED] ", log.LstdFlags)
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.New(nil)
	}
	if d.Breaker == nil {
		d.Breaker = NewCircuitBreaker(0, 0, d.Store, d.Logger)
	}
	s := &Service{
		store:      d.Store,
		watermarks: d.Watermarks,
		summarizer: d.Summarizer,
		fetchers:   d.Fetchers,
		deliverer:  d.Deliverer,
		breaker:    d.Breaker,
		telemetry:  d.Telemetry,
		logger:     d.Logger,
		postRun:    d.PostRun,
		now:        time.Now,
	}
	s.processors = newProcessors(s)
	return s
}

// runState accumulates the aggregates of one run across sources.
type runState struct {
	processed int
	failed    int
	skipped   int
	items     int
	tokensIn  int64
	tokensOut int64
	cost      float64
	digests   []store.Digest
	errs      []SourceError
}

func (rs *runState) fail(src store.Source, kind string, err error, at time.Time) {
	rs.failed++
	rs.errs = append(rs.errs, SourceError{
		SourceID: src.ID, SourceName: src.Name,
		Kind: kind, Message: err.Error(), At: at,
	})
}

func (rs *runState) hasTimeout() bool {
	for _, e := range rs.errs {
		if e.Kind == ErrKindTimeout {
			return true
		}
	}
	return false
}

// RunFeed executes one feed run. Precondition failures (unknown feed,
// no enabled sources) surface as errors before any run row exists;
// everything after run creation is folded into the terminal run status
// instead.
func (s *Service) RunFeed(ctx context.Context, feedID string, opts Options) (RunSummary, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunSummary{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedID)
		}
		return RunSummary{}, fmt.Errorf("loading feed %s: %w", feedID, err)
	}
	sources, err := s.store.ListFeedSources(ctx, feedID)
	if err != nil {
		return RunSummary{}, fmt.Errorf("loading sources of feed %s: %w", feedID, err)
	}
	if len(sources) == 0 {
		return RunSummary{}, fmt.Errorf("%w: %s", ErrNoSources, feedID)
	}

	if opts.MaxItemsPerSource <= 0 {
		opts.MaxItemsPerSource = 20
	}
	if opts.MaxItemsAllSources <= 0 {
		opts.MaxItemsAllSources = 50
	}
	language := opts.Language
	if language == "" {
		language = feed.Language
	}
	if language == "" {
		language = "en"
	}

	traceID := uuid.NewString()
	started := s.now()

	runID := ""
	if !opts.DryRun {
		runID, err = s.store.CreateFeedRun(ctx, feedID, opts.Trigger, traceID, len(sources))
		if err != nil {
			return RunSummary{}, fmt.Errorf("creating run for feed %s: %w", feedID, err)
		}
	}
	s.logger.Printf("[%s] feed %q run started: trigger=%s mode=%s sources=%d dry_run=%v",
		traceID, feed.Name, opts.Trigger, feed.DigestMode, len(sources), opts.DryRun)

	var rs runState
	if feed.DigestMode == store.DigestModeAllSources {
		s.runAllSources(ctx, feed, sources, runID, traceID, language, opts, &rs)
	} else {
		s.runPerSource(ctx, feed, sources, runID, traceID, language, opts, &rs)
	}

	status := s.deriveStatus(ctx, &rs)

	if !opts.DryRun && s.deliverer != nil && len(rs.digests) > 0 && status != store.RunStatusFailed {
		run := s.buildRun(runID, feedID, status, opts.Trigger, traceID, started, len(sources), &rs)
		if err := s.deliverer.Deliver(ctx, feed, run, rs.digests); err != nil {
			s.logger.Printf("[%s] delivery failed: %v", traceID, err)
			rs.errs = append(rs.errs, SourceError{Kind: ErrKindExport, Message: err.Error(), At: s.now()})
			if status == store.RunStatusCompleted {
				status = store.RunStatusCompletedWithWarnings
			}
		}
	}

	duration := s.now().Sub(started)
	summary := RunSummary{
		RunID: runID, TraceID: traceID, Status: status,
		SourcesTotal: len(sources), SourcesProcessed: rs.processed,
		SourcesFailed: rs.failed, SourcesSkipped: rs.skipped,
		ItemsProcessed: rs.items, TokensInput: rs.tokensIn, TokensOutput: rs.tokensOut,
		CostUSD: rs.cost, Duration: duration, Errors: rs.errs,
	}

	if !opts.DryRun {
		run := s.buildRun(runID, feedID, status, opts.Trigger, traceID, started, len(sources), &rs)
		if err := s.store.FinishFeedRun(ctx, run); err != nil {
			s.logger.Printf("[%s] finishing run %s failed: %v", traceID, runID, err)
		}
		if err := s.store.UpdateFeedLastRun(ctx, feedID, started); err != nil {
			s.logger.Printf("[%s] stamping feed last_run_at failed: %v", traceID, err)
		}
		if s.postRun != nil && len(rs.digests) > 0 {
			s.postRun(ctx, runID, rs.digests)
		}
	}

	s.telemetry.RecordRun(status, duration.Seconds())
	s.telemetry.RecordItems(rs.items)
	s.logger.Printf("[%s] feed %q run finished: status=%s processed=%d failed=%d skipped=%d items=%d cost=$%.4f in %s",
		traceID, feed.Name, status, rs.processed, rs.failed, rs.skipped, rs.items, rs.cost, duration.Round(time.Millisecond))
	return summary, nil
}

// runPerSource drives the individual and per_source digest modes: each
// source goes through its type processor as an isolated unit of
// failure.
func (s *Service) runPerSource(ctx context.Context, feed store.Feed, sources []store.Source, runID, traceID, language string, opts Options, rs *runState) {
	for i := range sources {
		src := sources[i]

		if skip, reason := s.breaker.ShouldSkip(src); skip {
			rs.skipped++
			rs.errs = append(rs.errs, SourceError{
				SourceID: src.ID, SourceName: src.Name,
				Kind: ErrKindCircuitOpen, Message: reason, At: s.now(),
			})
			s.telemetry.RecordSource("skipped")
			s.logger.Printf("[%s] skipping source %q: %s", traceID, src.Name, reason)
			continue
		}

		proc, ok := s.processors[src.Type]
		if !ok {
			rs.fail(src, ErrKindFetch, fmt.Errorf("unknown source type %q", src.Type), s.now())
			s.telemetry.RecordSource("failed")
			continue
		}

		out := proc.Process(ctx, ProcessContext{
			Source: src, Feed: feed, RunID: runID, TraceID: traceID,
			Language: language, Options: opts,
		})
		rs.items += out.Items
		rs.tokensIn += out.TokensIn
		rs.tokensOut += out.TokensOut
		rs.cost += out.Cost
		rs.digests = append(rs.digests, out.Digests...)

		if out.Success {
			rs.processed++
			s.breaker.RecordSuccess(ctx, &src)
			s.telemetry.RecordSource("processed")
		} else {
			rs.fail(src, out.ErrKind, out.Err, s.now())
			s.breaker.RecordFailure(ctx, &src)
			s.telemetry.RecordSource("failed")
			s.logger.Printf("[%s] source %q failed (%s): %v", traceID, src.Name, out.ErrKind, out.Err)
		}

		if opts.DelayBetween > 0 && i < len(sources)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.DelayBetween):
			}
		}
	}
}

// runAllSources collects items from every feed-capable source, applies
// the fairness cap, and produces one consolidated digest for the whole
// feed. Only RSS sources participate in merged collection; other types
// are skipped with a logged reason.
func (s *Service) runAllSources(ctx context.Context, feed store.Feed, sources []store.Source, runID, traceID, language string, opts Options, rs *runState) {
	var groups []SourceItems

	for _, src := range sources {
		if skip, reason := s.breaker.ShouldSkip(src); skip {
			rs.skipped++
			rs.errs = append(rs.errs, SourceError{
				SourceID: src.ID, SourceName: src.Name,
				Kind: ErrKindCircuitOpen, Message: reason, At: s.now(),
			})
			s.telemetry.RecordSource("skipped")
			continue
		}
		if src.Type != store.SourceTypeRSS {
			rs.skipped++
			s.telemetry.RecordSource("skipped")
			s.logger.Printf("[%s] all_sources mode only merges rss sources, skipping %q (%s)", traceID, src.Name, src.Type)
			continue
		}

		items, err := s.collectSource(ctx, src, opts)
		if err != nil {
			rs.fail(src, ClassifyError(err.Error(), ErrKindFetch), err, s.now())
			s.breaker.RecordFailure(ctx, &src)
			s.telemetry.RecordSource("failed")
			continue
		}
		rs.processed++
		s.breaker.RecordSuccess(ctx, &src)
		s.telemetry.RecordSource("processed")
		groups = append(groups, SourceItems{ID: src.ID, Name: src.Name, Items: items})
	}

	capped := RoundRobinCap(groups, opts.MaxItemsAllSources)
	if len(capped) == 0 {
		return
	}
	if opts.DryRun {
		s.logger.Printf("[%s] dry run: would consolidate %d item(s) across %d source(s)", traceID, len(capped), len(groups))
		rs.items = len(capped)
		return
	}

	batch := BuildConsolidatedBatch(capped, feed, runID, "", feed.Name, language)
	res, err := s.summarizer.Summarize(ctx, provider.Request{
		Title:        batch.Title,
		URL:          batch.URL,
		Content:      batch.UserPrompt,
		Language:     language,
		SystemPrompt: batch.SystemPrompt,
		UserPrompt:   batch.UserPrompt,
	})
	if err != nil {
		rs.fail(store.Source{Name: feed.Name}, ClassifyError(err.Error(), ErrKindSummarize),
			fmt.Errorf("consolidating %d item(s): %w", len(capped), err), s.now())
		return
	}

	digest := store.Digest{
		URL:               batch.URL,
		Title:             batch.Title,
		Summary:           res.Summary,
		FeedRunID:         runID,
		ConsolidatedCount: len(capped),
		Language:          language,
		Provider:          res.ProviderName,
		CostUSD:           res.EstimatedCost,
	}
	usage := &store.UsageLog{
		FeedRunID:    runID,
		Provider:     res.Model.Provider,
		Model:        res.Model.Model,
		InputTokens:  res.Model.InputTokens,
		OutputTokens: res.Model.OutputTokens,
		CostUSD:      res.EstimatedCost,
		Success:      true,
	}
	saved, _, err := s.store.SaveDigest(ctx, digest,
		batch.Provenance(opts.SaveSnapshots, opts.SnapshotMaxChars), usage)
	if err != nil {
		rs.fail(store.Source{Name: feed.Name}, ErrKindSave,
			fmt.Errorf("saving consolidated digest: %w", err), s.now())
		return
	}

	rs.items = len(capped)
	rs.tokensIn = res.Model.InputTokens
	rs.tokensOut = res.Model.OutputTokens
	rs.cost = res.EstimatedCost
	rs.digests = append(rs.digests, saved)
	s.telemetry.RecordLLMUsage(res.Model.Provider, res.Model.Model, res.Model.InputTokens, res.Model.OutputTokens, res.EstimatedCost)
	s.advanceWatermarks(ctx, traceID, sources, capped)
}

// collectSource fetches, filters and dedupes one source's items
// without summarizing them.
func (s *Service) collectSource(ctx context.Context, src store.Source, opts Options) ([]Item, error) {
	fetcher, ok := s.fetchers[src.Type]
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for source type %s", src.Type)
	}
	var since *time.Time
	wm, found, err := s.watermarks.Get(ctx, watermarkByURL(src))
	if err == nil && found {
		since = &wm
	}
	items, err := fetcher.Fetch(ctx, src.URL, since, opts.MaxItemsPerSource)
	if err != nil {
		return nil, fmt.Errorf("fetching source %s: %w", src.Name, err)
	}
	items = NewContentFilter(src).Apply(items)

	fresh := items[:0:0]
	for _, it := range items {
		_, exists, err := s.store.GetDigestByURL(ctx, it.URL)
		if err != nil {
			return nil, fmt.Errorf("checking digest for %s: %w", it.URL, err)
		}
		if !exists {
			fresh = append(fresh, it)
		}
	}
	return fresh, nil
}

// advanceWatermarks moves each source's watermark to the newest of its
// items that made it into the consolidated digest.
func (s *Service) advanceWatermarks(ctx context.Context, traceID string, sources []store.Source, capped []SourcedItem) {
	newest := make(map[string]time.Time)
	for _, it := range capped {
		if it.Published == nil {
			continue
		}
		if cur, ok := newest[it.SourceID]; !ok || it.Published.After(cur) {
			newest[it.SourceID] = *it.Published
		}
	}
	for _, src := range sources {
		at, ok := newest[src.ID]
		if !ok {
			continue
		}
		if err := s.watermarks.Set(ctx, watermarkByURL(src), at); err != nil {
			s.logger.Printf("[%s] advancing watermark for source %s failed: %v", traceID, src.ID, err)
		}
	}
}

// deriveStatus maps run aggregates to the terminal status. Timeouts
// are critical: a deadline hit or any per-source timeout fails the run
// outright; otherwise a source failure downgrades to partial unless
// nothing succeeded at all.
func (s *Service) deriveStatus(ctx context.Context, rs *runState) string {
	switch {
	case ctx.Err() != nil:
		rs.errs = append(rs.errs, SourceError{Kind: ErrKindTimeout, Message: ctx.Err().Error(), At: s.now()})
		return store.RunStatusFailed
	case rs.hasTimeout():
		return store.RunStatusFailed
	case rs.failed > 0 && rs.processed == 0:
		return store.RunStatusFailed
	case rs.failed > 0:
		return store.RunStatusPartial
	default:
		return store.RunStatusCompleted
	}
}

func (s *Service) buildRun(runID, feedID, status, trigger, traceID string, started time.Time, total int, rs *runState) store.FeedRun {
	var msgs []string
	for _, e := range rs.errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Kind, e.Message))
	}
	errJSON, err := json.Marshal(rs.errs)
	if err != nil {
		errJSON = []byte("[]")
	}
	return store.FeedRun{
		ID: runID, FeedID: feedID, Status: status,
		TriggerReason: trigger, TraceID: traceID, StartedAt: started,
		SourcesTotal: total, SourcesProcessed: rs.processed,
		SourcesFailed: rs.failed, SourcesSkipped: rs.skipped,
		ItemsProcessed: rs.items, TokensInput: rs.tokensIn, TokensOutput: rs.tokensOut,
		CostUSD: rs.cost, ErrorLog: strings.Join(msgs, "; "), Errors: errJSON,
	}
}
