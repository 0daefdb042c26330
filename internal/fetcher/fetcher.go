// Package fetcher downloads RSS feeds and turns their entries into normalized news items.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"news_ingest/internal/filter"
	"news_ingest/internal/model"
)

// Reasons an entry is not turned into a NewsItem.
var (
	ErrMediaLink     = errors.New("link points to non-article media")
	ErrNoPublishDate = errors.New("missing or unparseable publish date")
	ErrEmptyTitle    = errors.New("empty title")
	ErrFiltered      = errors.New("rejected by source filters")
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses RSS feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// SetTimeout overrides the per-fetch deadline. Zero disables it.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.timeout = d
}

// Fetch downloads and parses an RSS feed from the given URL.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "NewsIngest/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// FetchSource takes one snapshot of a source's feed, bounded by the fetch timeout.
func (f *Fetcher) FetchSource(ctx context.Context, src model.Source) ([]model.RawItem, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	feed, err := f.Fetch(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	items := make([]model.RawItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		items = append(items, rawFromFeed(it))
	}
	return items, nil
}

func rawFromFeed(it *gofeed.Item) model.RawItem {
	raw := model.RawItem{
		Title:        it.Title,
		Link:         it.Link,
		PublishedRaw: it.Published,
	}

	switch {
	case it.Description != "":
		raw.Description, raw.HasDescription = it.Description, true
	case it.Content != "":
		raw.Description, raw.HasDescription = it.Content, true
	}

	switch {
	case it.PublishedParsed != nil:
		t := *it.PublishedParsed
		raw.Published = &t
	case it.UpdatedParsed != nil:
		t := *it.UpdatedParsed
		raw.Published = &t
	}
	return raw
}

// Normalizer converts raw entries into NewsItems in the reference timezone.
type Normalizer struct {
	loc        *time.Location
	mediaRules []model.Filter
}

// NewNormalizer builds a Normalizer. Links containing any of mediaSegments are
// treated as non-article media.
func NewNormalizer(loc *time.Location, mediaSegments []string) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc, mediaRules: filter.MediaRules(mediaSegments)}
}

// Normalize returns a new NewsItem for raw; raw itself is never modified.
// The returned item has no impact level yet.
func (n *Normalizer) Normalize(raw model.RawItem, src model.Source) (model.NewsItem, error) {
	link := strings.TrimSpace(raw.Link)
	if !filter.Match(filter.FeedItem{Link: link}, n.mediaRules) {
		return model.NewsItem{}, ErrMediaLink
	}

	title := SanitizeTitle(raw.Title)
	if title == "" {
		return model.NewsItem{}, ErrEmptyTitle
	}

	if raw.Published == nil || raw.Published.IsZero() {
		return model.NewsItem{}, ErrNoPublishDate
	}

	item := model.NewsItem{
		Title:       title,
		URL:         link,
		Source:      src.Name,
		PublishedAt: raw.Published.In(n.loc),
	}
	if raw.HasDescription {
		item.Description = SanitizeDescription(raw.Description)
		item.HasDescription = item.Description != ""
	}

	fi := filter.FeedItem{Title: item.Title, Description: item.Description, Link: item.URL}
	if !filter.Match(fi, src.Filters) {
		return model.NewsItem{}, ErrFiltered
	}
	return item, nil
}

// SanitizeTitle decodes HTML entities and collapses whitespace.
func SanitizeTitle(s string) string {
	return collapseSpace(html.UnescapeString(s))
}

// SanitizeDescription decodes HTML entities and strips markup.
func SanitizeDescription(s string) string {
	s = html.UnescapeString(s)
	if strings.ContainsAny(s, "<>") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			s = doc.Text()
		}
	}
	return collapseSpace(s)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
