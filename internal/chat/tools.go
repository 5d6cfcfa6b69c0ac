package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/reconly/reconly/internal/feed"
	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
)

// Tool couples a model-facing spec with its executor. Executors return
// a string because tool results travel back to the model as text.
type Tool struct {
	Spec provider.ToolSpec
	Run  func(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the capability catalog advertised to the model.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Spec.Name]; !exists {
		r.order = append(r.order, t.Spec.Name)
	}
	r.tools[t.Spec.Name] = t
}

// Specs returns the tool catalog in registration order.
func (r *Registry) Specs() []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Spec)
	}
	return out
}

// Execute runs one requested call. Unknown tools and executor failures
// come back as result text, never as an error: the model gets to see
// what went wrong and react.
func (r *Registry) Execute(ctx context.Context, call provider.ToolCall) string {
	t, ok := r.tools[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	out, err := t.Run(ctx, call.Args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

// FeedLister and FeedRunner are the slices of the engine the built-in
// tools need.
type FeedLister interface {
	ListFeeds(ctx context.Context) ([]store.Feed, error)
	SearchDigests(ctx context.Context, query string, limit int) ([]store.Digest, error)
}

type FeedRunner interface {
	RunFeed(ctx context.Context, feedID string, opts feed.Options) (feed.RunSummary, error)
}

// BuiltinTools wires the standard capability set: feed listing, run
// triggering and digest search.
func BuiltinTools(lister FeedLister, runner FeedRunner) []Tool {
	return []Tool{
		{
			Spec: provider.ToolSpec{
				Name:        "list_feeds",
				Description: "List all configured feeds with their digest mode and schedule.",
				Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				feeds, err := lister.ListFeeds(ctx)
				if err != nil {
					return "", fmt.Errorf("listing feeds: %w", err)
				}
				if len(feeds) == 0 {
					return "No feeds configured.", nil
				}
				var b strings.Builder
				for _, f := range feeds {
					fmt.Fprintf(&b, "- %s (id %s, mode %s", f.Name, f.ID, f.DigestMode)
					if f.ScheduleCron != "" {
						fmt.Fprintf(&b, ", schedule %q", f.ScheduleCron)
					}
					b.WriteString(")\n")
				}
				return b.String(), nil
			},
		},
		{
			Spec: provider.ToolSpec{
				Name:        "trigger_feed_run",
				Description: "Run a feed now. Set dry_run to preview without summarizing or persisting.",
				Parameters: json.RawMessage(`{"type":"object","properties":{
					"feed_id":{"type":"string","description":"id of the feed to run"},
					"dry_run":{"type":"boolean"}
				},"required":["feed_id"]}`),
			},
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					FeedID string `json:"feed_id"`
					DryRun bool   `json:"dry_run"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("decoding arguments: %w", err)
				}
				if in.FeedID == "" {
					return "", fmt.Errorf("feed_id is required")
				}
				sum, err := runner.RunFeed(ctx, in.FeedID, feed.Options{Trigger: "chat", DryRun: in.DryRun})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Run %s finished with status %s: %d item(s) from %d/%d sources, cost $%.4f.",
					sum.RunID, sum.Status, sum.ItemsProcessed, sum.SourcesProcessed, sum.SourcesTotal, sum.CostUSD), nil
			},
		},
		{
			Spec: provider.ToolSpec{
				Name:        "search_digests",
				Description: "Search stored digests by title or URL substring.",
				Parameters: json.RawMessage(`{"type":"object","properties":{
					"query":{"type":"string"},
					"limit":{"type":"integer"}
				},"required":["query"]}`),
			},
			Run: func(ctx context.Context, args json.RawMessage) (string, error) {
				var in struct {
					Query string `json:"query"`
					Limit int    `json:"limit"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return "", fmt.Errorf("decoding arguments: %w", err)
				}
				digests, err := lister.SearchDigests(ctx, in.Query, in.Limit)
				if err != nil {
					return "", fmt.Errorf("searching digests: %w", err)
				}
				if len(digests) == 0 {
					return fmt.Sprintf("No digests match %q.", in.Query), nil
				}
				var b strings.Builder
				for _, d := range digests {
					fmt.Fprintf(&b, "- %s (%s)\n  %s\n", d.Title, d.URL, firstLine(d.Summary))
				}
				return b.String(), nil
			},
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
