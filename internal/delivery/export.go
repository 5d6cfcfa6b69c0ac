package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reconly/reconly/internal/store"
)

// FileExporter writes finished runs to disk as JSON or Markdown.
type FileExporter struct {
	BaseDir string
}

func NewFileExporter(baseDir string) *FileExporter {
	if baseDir == "" {
		baseDir = "exports"
	}
	return &FileExporter{BaseDir: baseDir}
}

// Export writes one file per run and returns its path. cfg.Dir
// overrides the base directory when set.
func (e *FileExporter) Export(feed store.Feed, run store.FeedRun, digests []store.Digest, cfg ExportConfig) (string, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = e.BaseDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir %s: %w", dir, err)
	}

	format := strings.ToLower(cfg.Format)
	name := fmt.Sprintf("%s-%s", sanitizeName(feed.Name), run.ID)
	var path string
	var data []byte
	var err error

	switch format {
	case "markdown", "md":
		path = filepath.Join(dir, name+".md")
		data = []byte(RenderMarkdown(feed, run, digests))
	case "json", "":
		path = filepath.Join(dir, name+".json")
		data, err = json.MarshalIndent(buildPayload(feed, run, digests), "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding export: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown export format %q", cfg.Format)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing export %s: %w", path, err)
	}
	return path, nil
}

// RenderMarkdown renders a run digest report, shared by exports and
// email bodies.
func RenderMarkdown(feed store.Feed, run store.FeedRun, digests []store.Digest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", feed.Name)
	fmt.Fprintf(&b, "Run %s finished with status `%s` at %s: %d item(s) across %d source(s).\n\n",
		run.ID, run.Status, time.Now().UTC().Format(time.RFC3339), run.ItemsProcessed, run.SourcesProcessed)
	for _, d := range digests {
		fmt.Fprintf(&b, "## %s\n\n", d.Title)
		if d.ConsolidatedCount > 1 {
			fmt.Fprintf(&b, "_Consolidated from %d items._\n\n", d.ConsolidatedCount)
		}
		b.WriteString(strings.TrimSpace(d.Summary))
		b.WriteString("\n\n")
		if !strings.HasPrefix(d.URL, "consolidated://") {
			fmt.Fprintf(&b, "[Original](%s)\n\n", d.URL)
		}
	}
	return b.String()
}

func sanitizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "feed"
	}
	return b.String()
}
