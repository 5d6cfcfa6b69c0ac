package feed

import (
	"strings"
	"testing"
	"time"

	"github.com/reconly/reconly/internal/store"
)

func TestSyntheticURL(t *testing.T) {
	if got := SyntheticURL("f1", "r1", ""); got != "consolidated://f1/r1/all" {
		t.Fatalf("all-sources URL = %q", got)
	}
	if got := SyntheticURL("f1", "r1", "s9"); got != "consolidated://f1/r1/source/s9" {
		t.Fatalf("per-source URL = %q", got)
	}
}

func TestBuildConsolidatedBatch(t *testing.T) {
	pub := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	items := []SourcedItem{
		{Item: Item{URL: "https://a/1", Title: "First", Content: "alpha", Published: &pub}, SourceID: "s1", SourceName: "Alpha"},
		{Item: Item{URL: "https://b/2", Title: "Second", FullContent: "beta full"}, SourceID: "s2", SourceName: "Beta"},
	}
	feed := store.Feed{ID: "f1", Name: "Tech"}

	b := BuildConsolidatedBatch(items, feed, "r1", "", "Tech", "en")
	if b.URL != "consolidated://f1/r1/all" {
		t.Fatalf("URL = %q", b.URL)
	}
	if b.Title != "Tech digest (2 items)" {
		t.Fatalf("Title = %q", b.Title)
	}
	for _, want := range []string{"### First", "### Second", "Source: Alpha", "Source: Beta", "beta full", "\n\n---\n\n"} {
		if !strings.Contains(b.UserPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, b.UserPrompt)
		}
	}
}

func TestBatchUsesFeedTemplateWithArticlesPlaceholder(t *testing.T) {
	feed := store.Feed{ID: "f1", PromptTemplate: "Custom briefing:\n{articles}\nEnd."}
	b := BuildConsolidatedBatch([]SourcedItem{{Item: Item{Title: "X", Content: "y"}}}, feed, "r1", "s1", "S", "en")
	if !strings.HasPrefix(b.UserPrompt, "Custom briefing:\n") || !strings.HasSuffix(b.UserPrompt, "\nEnd.") {
		t.Fatalf("feed template not applied:\n%s", b.UserPrompt)
	}
}

func TestBatchIgnoresItemTemplateForConsolidation(t *testing.T) {
	// a per-item template has no {articles} slot and must not be used
	feed := store.Feed{ID: "f1", PromptTemplate: "Summarize {title} at {url}"}
	b := BuildConsolidatedBatch([]SourcedItem{{Item: Item{Title: "X", Content: "y"}}}, feed, "r1", "s1", "S", "en")
	if strings.Contains(b.UserPrompt, "{title}") {
		t.Fatalf("unreplaced per-item template leaked:\n%s", b.UserPrompt)
	}
}

func TestProvenanceSnapshots(t *testing.T) {
	pub := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	b := ConsolidatedBatch{Items: []SourcedItem{
		{Item: Item{URL: "https://a/1", Title: "First", Content: strings.Repeat("x", 200), Published: &pub}},
		{Item: Item{URL: "https://a/2", Title: "Second", Content: "short"}},
	}}

	rows := b.Provenance(true, 100)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ItemURL != "https://a/1" || rows[0].PublishedAt == nil {
		t.Fatalf("row 0 = %+v", rows[0])
	}
	if n := len([]rune(rows[0].Snapshot)); n > 101 {
		t.Fatalf("snapshot not truncated: %d runes", n)
	}
	if rows[1].Snapshot != "short" {
		t.Fatalf("short snapshot altered: %q", rows[1].Snapshot)
	}

	bare := b.Provenance(false, 100)
	if bare[0].Snapshot != "" {
		t.Fatal("snapshots disabled but stored anyway")
	}
}

func TestItemPromptResolution(t *testing.T) {
	it := Item{Title: "T", URL: "https://x", Content: "body"}
	got := itemPrompt("Summarize {title} ({url}): {content}", "en", it)
	if got != "Summarize T (https://x): body" {
		t.Fatalf("custom template = %q", got)
	}
	// consolidation template falls through to the builtin item prompt
	got = itemPrompt("Brief: {articles}", "en", it)
	if strings.Contains(got, "{articles}") || !strings.Contains(got, "T") {
		t.Fatalf("builtin fallback = %q", got)
	}
	// unknown language falls back to english
	if p := systemPrompt("fr"); p != builtinSystemPrompts["en"] {
		t.Fatalf("systemPrompt(fr) = %q", p)
	}
}

func TestClassifyErrorKinds(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"context deadline exceeded", ErrKindTimeout},
		{"read tcp: i/o timeout", ErrKindTimeout},
		{"dial tcp: connection refused", ErrKindFetch},
		{"XML syntax error: malformed entity", ErrKindParse},
		{"something else entirely", ErrKindSummarize},
	}
	for _, c := range cases {
		if got := ClassifyError(c.msg, ErrKindSummarize); got != c.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}
