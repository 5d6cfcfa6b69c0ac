package feed

import (
	"context"
	"time"

	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
)

// Item is one fetched content unit, the minimum shape every fetcher
// must produce.
type Item struct {
	URL         string
	Title       string
	Content     string
	FullContent string
	ImageURL    string
	Published   *time.Time
}

// Body returns the richest available text for an item.
func (it Item) Body() string {
	if it.FullContent != "" {
		return it.FullContent
	}
	return it.Content
}

// Fetcher is the per-source-type fetch capability. For agent sources
// urlOrPrompt carries the research prompt instead of an address.
// Implementations must return an empty slice, not an error, when there
// is simply nothing new.
type Fetcher interface {
	Fetch(ctx context.Context, urlOrPrompt string, since *time.Time, maxItems int) ([]Item, error)
}

// Summarizer is the provider-fallback surface the orchestrator calls.
type Summarizer interface {
	Summarize(ctx context.Context, req provider.Request) (provider.Result, error)
}

// Store is the persistence surface required by one feed run.
type Store interface {
	GetFeed(ctx context.Context, id string) (store.Feed, error)
	ListFeedSources(ctx context.Context, feedID string) ([]store.Source, error)
	CreateFeedRun(ctx context.Context, feedID, trigger, traceID string, sourcesTotal int) (string, error)
	FinishFeedRun(ctx context.Context, run store.FeedRun) error
	UpdateFeedLastRun(ctx context.Context, feedID string, at time.Time) error
	UpdateSourceHealth(ctx context.Context, src store.Source) error
	GetDigestByURL(ctx context.Context, url string) (store.Digest, bool, error)
	SaveDigest(ctx context.Context, d store.Digest, items []store.DigestSourceItem, usage *store.UsageLog) (store.Digest, bool, error)
	InsertUsageLog(ctx context.Context, u store.UsageLog) error
}

// Watermarks tracks per-source last-read timestamps.
type Watermarks interface {
	Get(ctx context.Context, sourceKey string) (time.Time, bool, error)
	Set(ctx context.Context, sourceKey string, at time.Time) error
}

// Deliverer pushes a completed run to its configured sinks (email,
// webhook, exporters). A delivery failure downgrades the run status,
// it never fails the run.
type Deliverer interface {
	Deliver(ctx context.Context, feed store.Feed, run store.FeedRun, digests []store.Digest) error
}

// PostRunHook is the downstream embedding/graph trigger. Invoked only
// when digests were produced on a non-dry run; errors must be handled
// by the hook itself.
type PostRunHook func(ctx context.Context, feedRunID string, digests []store.Digest)

// Options configures one feed run.
type Options struct {
	Trigger            string
	DryRun             bool
	DelayBetween       time.Duration
	MaxItemsPerSource  int
	MaxItemsAllSources int
	SnapshotMaxChars   int
	SaveSnapshots      bool
	Language           string
}

// RunSummary is what RunFeed returns to its caller.
type RunSummary struct {
	RunID            string
	TraceID          string
	Status           string
	SourcesTotal     int
	SourcesProcessed int
	SourcesFailed    int
	SourcesSkipped   int
	ItemsProcessed   int
	TokensInput      int64
	TokensOutput     int64
	CostUSD          float64
	Duration         time.Duration
	Errors           []SourceError
}

// Outcome is the uniform result contract of a source processor.
// Processors return outcomes instead of letting errors cross the
// component boundary.
type Outcome struct {
	Success   bool
	Items     int
	TokensIn  int64
	TokensOut int64
	Cost      float64
	Digests   []store.Digest
	ErrKind   string
	Err       error
}

// failure builds a failed outcome with a classified kind.
func failure(err error, fallbackKind string) Outcome {
	return Outcome{Success: false, Err: err, ErrKind: ClassifyError(err.Error(), fallbackKind)}
}

// ProcessContext carries everything a processor needs for one source.
type ProcessContext struct {
	Source   store.Source
	Feed     store.Feed
	RunID    string
	TraceID  string
	Language string
	Options  Options
}

// Processor handles one source type.
type Processor interface {
	Type() string
	Process(ctx context.Context, pc ProcessContext) Outcome
}
