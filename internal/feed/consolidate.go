package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/reconly/reconly/internal/store"
)

// SourcedItem tags an item with the source it came from so consolidated
// provenance survives the merge.
type SourcedItem struct {
	Item
	SourceID   string
	SourceName string
}

// ConsolidatedBatch is the prompt payload plus provenance for one
// merged digest.
type ConsolidatedBatch struct {
	SystemPrompt string
	UserPrompt   string
	Title        string
	URL          string
	Items        []SourcedItem
}

// SyntheticURL builds the deterministic, collision-free URL of a
// consolidated digest. The feed run id is never reused, which
// guarantees uniqueness across runs.
func SyntheticURL(feedID, feedRunID, sourceID string) string {
	if sourceID == "" {
		return fmt.Sprintf("consolidated://%s/%s/all", feedID, feedRunID)
	}
	return fmt.Sprintf("consolidated://%s/%s/source/%s", feedID, feedRunID, sourceID)
}

// BuildConsolidatedBatch formats N items into one prompt payload. label
// names the batch in the digest title (a source name for per_source, a
// feed name for all_sources). sourceID is empty in all_sources mode.
func BuildConsolidatedBatch(items []SourcedItem, feed store.Feed, runID, sourceID, label, language string) ConsolidatedBatch {
	var blocks []string
	for _, it := range items {
		published := ""
		if it.Published != nil {
			published = it.Published.Format(time.RFC3339)
		}
		blocks = append(blocks, fmt.Sprintf("### %s\nSource: %s\nURL: %s\nPublished: %s\n\n%s",
			it.Title, it.SourceName, it.URL, published, it.Body()))
	}
	articles := strings.Join(blocks, "\n\n---\n\n")

	return ConsolidatedBatch{
		SystemPrompt: systemPrompt(language),
		UserPrompt:   consolidatedPrompt(feed.PromptTemplate, language, articles),
		Title:        fmt.Sprintf("%s digest (%d items)", label, len(items)),
		URL:          SyntheticURL(feed.ID, runID, sourceID),
		Items:        items,
	}
}

// Provenance converts batch items into DigestSourceItem rows. When
// snapshots are enabled each row carries the item body truncated to
// maxChars for downstream retrieval.
func (b ConsolidatedBatch) Provenance(saveSnapshots bool, maxChars int) []store.DigestSourceItem {
	out := make([]store.DigestSourceItem, 0, len(b.Items))
	for _, it := range b.Items {
		row := store.DigestSourceItem{
			ItemURL:     it.URL,
			ItemTitle:   it.Title,
			PublishedAt: it.Published,
		}
		if saveSnapshots {
			row.Snapshot = truncate(it.Body(), maxChars)
		}
		out = append(out, row)
	}
	return out
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
