package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reconly/reconly/internal/feed"
)

const defaultUserAgent = "reconly/1.0 (+https://github.com/reconly/reconly)"

// RSS fetches RSS 2.0 and Atom feeds over plain HTTP. YouTube channel
// feeds are Atom documents and go through the same path.
type RSS struct {
	client    *http.Client
	userAgent string
}

func NewRSS(timeout time.Duration, userAgent string) *RSS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &RSS{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Content     string   `xml:"encoded"` // content:encoded
	PubDate     string   `xml:"pubDate"`
	Enclosure   struct { URL string `xml:"url,attr"` } `xml:"enclosure"`
}

type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Content   string `xml:"content"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
	Links     []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Media struct {
		Description string `xml:"description"`
		Thumbnail   struct { URL string `xml:"url,attr"` } `xml:"thumbnail"`
	} `xml:"group"` // media:group in YouTube feeds
}

// Fetch downloads and parses a feed, keeps items newer than since and
// caps the result at maxItems in document order.
func (r *RSS) Fetch(ctx context.Context, feedURL string, since *time.Time, maxItems int) ([]feed.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", feedURL, err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", feedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", feedURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", feedURL, err)
	}

	items, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", feedURL, err)
	}

	out := items[:0:0]
	for _, it := range items {
		if since != nil && it.Published != nil && !it.Published.After(*since) {
			continue
		}
		out = append(out, it)
		if maxItems > 0 && len(out) == maxItems {
			break
		}
	}
	return out, nil
}

// parseFeed dispatches on the document root: <rss> or <feed>.
func parseFeed(body []byte) ([]feed.Item, error) {
	var rss rssDoc
	if err := xml.Unmarshal(body, &rss); err == nil {
		return fromRSS(rss), nil
	}
	var atom atomDoc
	if err := xml.Unmarshal(body, &atom); err != nil {
		return nil, fmt.Errorf("malformed feed document: %w", err)
	}
	return fromAtom(atom), nil
}

func fromRSS(doc rssDoc) []feed.Item {
	out := make([]feed.Item, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		if it.Link == "" {
			continue
		}
		out = append(out, feed.Item{
			URL:         strings.TrimSpace(it.Link),
			Title:       strings.TrimSpace(it.Title),
			Content:     strings.TrimSpace(it.Description),
			FullContent: strings.TrimSpace(it.Content),
			ImageURL:    it.Enclosure.URL,
			Published:   parseFeedTime(it.PubDate),
		})
	}
	return out
}

func fromAtom(doc atomDoc) []feed.Item {
	out := make([]feed.Item, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		link := ""
		for _, l := range e.Links {
			if l.Rel == "" || l.Rel == "alternate" {
				link = l.Href
				break
			}
		}
		if link == "" && len(e.Links) > 0 {
			link = e.Links[0].Href
		}
		if link == "" {
			continue
		}
		content := strings.TrimSpace(e.Content)
		if content == "" {
			content = strings.TrimSpace(e.Media.Description)
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		out = append(out, feed.Item{
			URL:       strings.TrimSpace(link),
			Title:     strings.TrimSpace(e.Title),
			Content:   strings.TrimSpace(e.Summary),
			FullContent: content,
			ImageURL:  e.Media.Thumbnail.URL,
			Published: parseFeedTime(published),
		})
	}
	return out
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z0700",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

func parseFeedTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
