package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/reconly/reconly/internal/provider"
	"github.com/reconly/reconly/internal/store"
)

// sourcePipeline is the shared fetch -> filter -> dedupe -> summarize
// -> persist pipeline behind every source type. Per-type processors
// configure watermark tracking and item normalization.
type sourcePipeline struct {
	svc            *Service
	typeName       string
	trackWatermark bool
	watermarkKey   func(store.Source) string
	normalize      func(pc ProcessContext, items []Item) []Item
}

func (p *sourcePipeline) Type() string { return p.typeName }

func watermarkByURL(src store.Source) string { return src.Type + ":" + src.URL }
func watermarkByID(src store.Source) string  { return src.Type + ":" + src.ID }

// newProcessors builds the lookup table keyed by source type.
func newProcessors(svc *Service) map[string]Processor {
	return map[string]Processor{
		store.SourceTypeRSS: &sourcePipeline{
			svc: svc, typeName: store.SourceTypeRSS,
			trackWatermark: true, watermarkKey: watermarkByURL,
		},
		store.SourceTypeYouTube: &sourcePipeline{
			svc: svc, typeName: store.SourceTypeYouTube,
			trackWatermark: true, watermarkKey: watermarkByURL,
		},
		store.SourceTypeIMAP: &sourcePipeline{
			svc: svc, typeName: store.SourceTypeIMAP,
			trackWatermark: true, watermarkKey: watermarkByID,
		},
		store.SourceTypeAgent: &sourcePipeline{
			svc: svc, typeName: store.SourceTypeAgent,
			normalize: normalizeAgentItems,
		},
		store.SourceTypeWebsite: &sourcePipeline{
			svc: svc, typeName: store.SourceTypeWebsite,
		},
	}
}

// Agent results may lack URLs; synthesize stable ones so the
// idempotency key holds.
func normalizeAgentItems(pc ProcessContext, items []Item) []Item {
	for i := range items {
		if items[i].URL == "" {
			items[i].URL = fmt.Sprintf("agent://%s/%s/%d", pc.Source.ID, pc.RunID, i)
		}
	}
	return items
}

func (p *sourcePipeline) Process(ctx context.Context, pc ProcessContext) Outcome {
	svc := p.svc

	fetcher, ok := svc.fetchers[p.typeName]
	if !ok {
		return Outcome{Success: false, ErrKind: ErrKindFetch,
			Err: fmt.Errorf("no fetcher registered for source type %s", p.typeName)}
	}

	var since *time.Time
	if p.trackWatermark {
		wm, found, err := svc.watermarks.Get(ctx, p.watermarkKey(pc.Source))
		if err != nil {
			svc.logger.Printf("[%s] watermark read failed for source %s: %v", pc.TraceID, pc.Source.ID, err)
		} else if found {
			since = &wm
		}
	}

	items, err := fetcher.Fetch(ctx, pc.Source.URL, since, pc.Options.MaxItemsPerSource)
	if err != nil {
		return failure(fmt.Errorf("fetching source %s: %w", pc.Source.Name, err), ErrKindFetch)
	}
	if p.normalize != nil {
		items = p.normalize(pc, items)
	}

	filter := NewContentFilter(pc.Source)
	items = filter.Apply(items)

	// Idempotency short-circuit: never pay for an LLM call on a URL
	// that already has a digest.
	fresh := items[:0:0]
	for _, it := range items {
		_, exists, err := svc.store.GetDigestByURL(ctx, it.URL)
		if err != nil {
			return failure(fmt.Errorf("checking digest for %s: %w", it.URL, err), ErrKindSave)
		}
		if !exists {
			fresh = append(fresh, it)
		}
	}
	if len(fresh) == 0 {
		return Outcome{Success: true}
	}

	if pc.Options.DryRun {
		svc.logger.Printf("[%s] dry run: source %s would process %d item(s)", pc.TraceID, pc.Source.Name, len(fresh))
		return Outcome{Success: true, Items: len(fresh)}
	}

	var out Outcome
	switch pc.Feed.DigestMode {
	case store.DigestModePerSource:
		out = p.processConsolidated(ctx, pc, fresh)
	default: // individual
		out = p.processIndividually(ctx, pc, fresh)
	}

	if out.Success && p.trackWatermark && out.Items > 0 {
		if newest := newestPublished(fresh[:out.Items]); newest != nil {
			if err := svc.watermarks.Set(ctx, p.watermarkKey(pc.Source), *newest); err != nil {
				svc.logger.Printf("[%s] advancing watermark for source %s failed: %v", pc.TraceID, pc.Source.ID, err)
			}
		}
	}
	return out
}

// processIndividually summarizes and persists each item on its own.
// Partial progress is kept on failure; re-runs are safe through URL
// idempotency.
func (p *sourcePipeline) processIndividually(ctx context.Context, pc ProcessContext, items []Item) Outcome {
	svc := p.svc
	var out Outcome

	for _, it := range items {
		res, err := svc.summarizer.Summarize(ctx, provider.Request{
			Title:        it.Title,
			URL:          it.URL,
			Content:      it.Body(),
			Language:     pc.Language,
			SystemPrompt: systemPrompt(pc.Language),
			UserPrompt:   itemPrompt(pc.Feed.PromptTemplate, pc.Language, it),
		})
		if err != nil {
			out.Err = fmt.Errorf("summarizing %s: %w", it.URL, err)
			out.ErrKind = ClassifyError(err.Error(), ErrKindSummarize)
			return out
		}

		digest := store.Digest{
			URL:               it.URL,
			Title:             it.Title,
			Content:           truncate(it.Body(), pc.Options.SnapshotMaxChars),
			Summary:           res.Summary,
			SourceID:          pc.Source.ID,
			FeedRunID:         pc.RunID,
			ConsolidatedCount: 1,
			Language:          pc.Language,
			Provider:          res.ProviderName,
			CostUSD:           res.EstimatedCost,
		}
		provenance := []store.DigestSourceItem{{ItemURL: it.URL, ItemTitle: it.Title, PublishedAt: it.Published}}
		usage := &store.UsageLog{
			FeedRunID:    pc.RunID,
			Provider:     res.Model.Provider,
			Model:        res.Model.Model,
			InputTokens:  res.Model.InputTokens,
			OutputTokens: res.Model.OutputTokens,
			CostUSD:      res.EstimatedCost,
			Success:      true,
		}
		saved, _, err := svc.store.SaveDigest(ctx, digest, provenance, usage)
		if err != nil {
			out.Err = fmt.Errorf("saving digest for %s: %w", it.URL, err)
			out.ErrKind = ClassifyError(err.Error(), ErrKindSave)
			return out
		}

		out.Items++
		out.TokensIn += res.Model.InputTokens
		out.TokensOut += res.Model.OutputTokens
		out.Cost += res.EstimatedCost
		out.Digests = append(out.Digests, saved)
		svc.telemetry.RecordLLMUsage(res.Model.Provider, res.Model.Model, res.Model.InputTokens, res.Model.OutputTokens, res.EstimatedCost)
	}

	out.Success = true
	return out
}

// processConsolidated merges all of a source's fresh items into one
// digest. The single LLM call is all-or-nothing for the batch.
func (p *sourcePipeline) processConsolidated(ctx context.Context, pc ProcessContext, items []Item) Outcome {
	svc := p.svc

	sourced := make([]SourcedItem, len(items))
	for i, it := range items {
		sourced[i] = SourcedItem{Item: it, SourceID: pc.Source.ID, SourceName: pc.Source.Name}
	}
	batch := BuildConsolidatedBatch(sourced, pc.Feed, pc.RunID, pc.Source.ID, pc.Source.Name, pc.Language)

	res, err := svc.summarizer.Summarize(ctx, provider.Request{
		Title:        batch.Title,
		URL:          batch.URL,
		Content:      batch.UserPrompt,
		Language:     pc.Language,
		SystemPrompt: batch.SystemPrompt,
		UserPrompt:   batch.UserPrompt,
	})
	if err != nil {
		return failure(fmt.Errorf("consolidating %d item(s) from %s: %w", len(items), pc.Source.Name, err), ErrKindSummarize)
	}

	digest := store.Digest{
		URL:               batch.URL,
		Title:             batch.Title,
		Summary:           res.Summary,
		SourceID:          pc.Source.ID,
		FeedRunID:         pc.RunID,
		ConsolidatedCount: len(items),
		Language:          pc.Language,
		Provider:          res.ProviderName,
		CostUSD:           res.EstimatedCost,
	}
	usage := &store.UsageLog{
		FeedRunID:    pc.RunID,
		Provider:     res.Model.Provider,
		Model:        res.Model.Model,
		InputTokens:  res.Model.InputTokens,
		OutputTokens: res.Model.OutputTokens,
		CostUSD:      res.EstimatedCost,
		Success:      true,
	}
	saved, _, err := svc.store.SaveDigest(ctx, digest,
		batch.Provenance(pc.Options.SaveSnapshots, pc.Options.SnapshotMaxChars), usage)
	if err != nil {
		return failure(fmt.Errorf("saving consolidated digest for %s: %w", pc.Source.Name, err), ErrKindSave)
	}

	svc.telemetry.RecordLLMUsage(res.Model.Provider, res.Model.Model, res.Model.InputTokens, res.Model.OutputTokens, res.EstimatedCost)
	return Outcome{
		Success:   true,
		Items:     len(items),
		TokensIn:  res.Model.InputTokens,
		TokensOut: res.Model.OutputTokens,
		Cost:      res.EstimatedCost,
		Digests:   []store.Digest{saved},
	}
}

func newestPublished(items []Item) *time.Time {
	var newest *time.Time
	for _, it := range items {
		if it.Published == nil {
			continue
		}
		if newest == nil || it.Published.After(*newest) {
			t := *it.Published
			newest = &t
		}
	}
	return newest
}
