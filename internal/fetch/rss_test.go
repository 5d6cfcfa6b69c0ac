package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/">
<channel>
  <title>Example</title>
  <item>
    <title>Newest post</title>
    <link>https://example.com/newest</link>
    <description>Short teaser</description>
    <content:encoded><![CDATA[<p>Full body</p>]]></content:encoded>
    <pubDate>Tue, 10 Mar 2026 12:00:00 +0000</pubDate>
  </item>
  <item>
    <title>Older post</title>
    <link>https://example.com/older</link>
    <description>Older teaser</description>
    <pubDate>Mon, 09 Mar 2026 08:30:00 +0000</pubDate>
  </item>
  <item>
    <title>No link, dropped</title>
    <description>orphan</description>
  </item>
</channel>
</rss>`

const atomFixture = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:media="http://search.yahoo.com/mrss/">
  <title>Channel uploads</title>
  <entry>
    <title>New video</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
    <published>2026-03-10T09:00:00+00:00</published>
    <media:group>
      <media:description>What the video covers.</media:description>
      <media:thumbnail url="https://i.ytimg.com/vi/abc123/hq.jpg"/>
    </media:group>
  </entry>
</feed>`

func serveFixture(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRSSFetchParsesChannel(t *testing.T) {
	srv := serveFixture(t, rssFixture)
	r := NewRSS(5*time.Second, "")

	items, err := r.Fetch(context.Background(), srv.URL, nil, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (linkless item dropped)", len(items))
	}
	first := items[0]
	if first.URL != "https://example.com/newest" || first.Title != "Newest post" {
		t.Fatalf("first item = %+v", first)
	}
	if first.FullContent != "<p>Full body</p>" {
		t.Fatalf("content:encoded not captured: %q", first.FullContent)
	}
	if first.Published == nil || first.Published.Day() != 10 {
		t.Fatalf("pubDate not parsed: %v", first.Published)
	}
	if first.Body() != "<p>Full body</p>" {
		t.Fatalf("Body() should prefer full content, got %q", first.Body())
	}
}

func TestRSSFetchSinceFiltersOldItems(t *testing.T) {
	srv := serveFixture(t, rssFixture)
	r := NewRSS(5*time.Second, "")

	since := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	items, err := r.Fetch(context.Background(), srv.URL, &since, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].URL != "https://example.com/newest" {
		t.Fatalf("items = %+v, want only the newest", items)
	}
}

func TestRSSFetchMaxItems(t *testing.T) {
	srv := serveFixture(t, rssFixture)
	r := NewRSS(5*time.Second, "")

	items, err := r.Fetch(context.Background(), srv.URL, nil, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
}

func TestRSSFetchAtomDocument(t *testing.T) {
	srv := serveFixture(t, atomFixture)
	r := NewRSS(5*time.Second, "")

	items, err := r.Fetch(context.Background(), srv.URL, nil, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	it := items[0]
	if it.URL != "https://www.youtube.com/watch?v=abc123" {
		t.Fatalf("URL = %q", it.URL)
	}
	if it.FullContent != "What the video covers." {
		t.Fatalf("media description not captured: %q", it.FullContent)
	}
	if it.ImageURL != "https://i.ytimg.com/vi/abc123/hq.jpg" {
		t.Fatalf("thumbnail = %q", it.ImageURL)
	}
	if it.Published == nil {
		t.Fatal("published not parsed")
	}
}

func TestRSSFetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()
	r := NewRSS(5*time.Second, "")

	if _, err := r.Fetch(context.Background(), srv.URL, nil, 0); err == nil {
		t.Fatal("want error on non-200 status")
	}
}

func TestRSSFetchRejectsMalformedXML(t *testing.T) {
	srv := serveFixture(t, "{definitely: not xml}")
	r := NewRSS(5*time.Second, "")

	if _, err := r.Fetch(context.Background(), srv.URL, nil, 0); err == nil {
		t.Fatal("want parse error")
	}
}

func TestParseFeedTimeLayouts(t *testing.T) {
	cases := []string{
		"Tue, 10 Mar 2026 12:00:00 +0000",
		"Tue, 10 Mar 2026 12:00:00 GMT",
		"2026-03-10T12:00:00Z",
		"2026-03-10 12:00:00",
	}
	for _, c := range cases {
		if parseFeedTime(c) == nil {
			t.Errorf("parseFeedTime(%q) = nil", c)
		}
	}
	if parseFeedTime("not a date") != nil {
		t.Error("garbage date should yield nil")
	}
}
