package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/reconly/reconly/internal/feed"
)

// Website snapshots a single page through readability extraction. It
// always yields at most one item; since has no meaning for a page
// without publish metadata and is ignored.
type Website struct {
	client    *http.Client
	userAgent string
	maxChars  int
}

func NewWebsite(timeout time.Duration, userAgent string, maxChars int) *Website {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &Website{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxChars:  maxChars,
	}
}

func (w *Website) Fetch(ctx context.Context, pageURL string, since *time.Time, maxItems int) ([]feed.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", w.userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", pageURL, resp.StatusCode)
	}
	html, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", pageURL, err)
	}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = &url.URL{}
	}

	item := feed.Item{URL: pageURL}
	article, err := readability.FromReader(bytes.NewReader(html), parsed)
	if err == nil {
		item.Title = strings.TrimSpace(article.Title)
		item.FullContent = truncateText(strings.TrimSpace(article.TextContent), w.maxChars)
		item.ImageURL = article.Image
	}
	if item.Title == "" || item.FullContent == "" {
		w.fillFromDOM(&item, html)
	}
	if item.Title == "" && item.FullContent == "" {
		return nil, fmt.Errorf("extracting %s: no readable content", pageURL)
	}
	if item.Title == "" {
		item.Title = pageURL
	}
	return []feed.Item{item}, nil
}

// fillFromDOM recovers title and body text when readability comes up
// empty, e.g. on pages without an article structure.
func (w *Website) fillFromDOM(item *feed.Item, html []byte) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return
	}
	if item.Title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
			item.Title = strings.TrimSpace(og)
		} else {
			item.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
	}
	if item.FullContent == "" {
		body := doc.Find("body").First()
		body.Find("script, style, nav, header, footer").Remove()
		item.FullContent = truncateText(strings.Join(strings.Fields(body.Text()), " "), w.maxChars)
	}
}

func truncateText(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
