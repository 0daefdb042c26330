package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"news_ingest/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	block      bool
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	if m.block {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func singapore(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Singapore")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestFetch(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: xml, statusCode: 200},
			wantTitle: "Example News - Asia",
			wantItems: 5,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			feed, err := f.Fetch(context.Background(), "https://example.com/rss")

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchSourceTimeout(t *testing.T) {
	f := New(&mockTransport{block: true})
	f.SetTimeout(20 * time.Millisecond)

	_, err := f.FetchSource(context.Background(), model.Source{Name: "slow", URL: "https://slow.example.com/rss"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFetchSourceNormalizeFixture(t *testing.T) {
	xml := loadFixture(t, "../../testdata/sample.xml")
	f := New(&mockTransport{body: xml, statusCode: 200})
	src := model.Source{Name: "example_asia", URL: "https://news.example.com/rss"}

	raw, err := f.FetchSource(context.Background(), src)
	if err != nil {
		t.Fatalf("fetch source: %v", err)
	}
	if diff := cmp.Diff(5, len(raw)); diff != "" {
		t.Fatalf("raw count mismatch (-want +got):\n%s", diff)
	}

	loc := singapore(t)
	n := NewNormalizer(loc, []string{"/videos/"})

	type outcome struct {
		Title string
		Err   error
	}
	var got []outcome
	var items []model.NewsItem
	for _, r := range raw {
		item, err := n.Normalize(r, src)
		got = append(got, outcome{Title: item.Title, Err: err})
		if err == nil {
			items = append(items, item)
		}
	}

	want := []outcome{
		{Title: "PM announces new policy on housing"},
		{Err: ErrMediaLink},
		{Err: ErrNoPublishDate},
		{Title: "Tom & Jerry's creators honoured at festival"},
		{Title: "Central bank raises interest rates"},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateErrors()); diff != "" {
		t.Errorf("normalize outcomes mismatch (-want +got):\n%s", diff)
	}

	if len(items) != 3 {
		t.Fatalf("expected 3 normalized items, got %d", len(items))
	}
	if diff := cmp.Diff("Classic cartoon makers receive award & standing ovation", items[1].Description); diff != "" {
		t.Errorf("description mismatch (-want +got):\n%s", diff)
	}
	if items[2].HasDescription {
		t.Errorf("expected item without description to have HasDescription=false")
	}

	// 17:30 GMT on Sunday is 01:30 on Monday in Singapore.
	wantTime := time.Date(2026, time.October, 19, 1, 30, 0, 0, loc)
	if !items[2].PublishedAt.Equal(wantTime) || items[2].PublishedAt.Location() != loc {
		t.Errorf("published at = %v, want %v", items[2].PublishedAt, wantTime)
	}
	if diff := cmp.Diff(time.Monday, items[2].PublishedAt.Weekday()); diff != "" {
		t.Errorf("weekday mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeDoesNotAliasRaw(t *testing.T) {
	pub := time.Date(2026, time.October, 12, 1, 0, 0, 0, time.UTC)
	raw := model.RawItem{
		Title:          "  Markets &amp; bonds   slide ",
		Description:    "<p>Yields&nbsp;jump</p>",
		HasDescription: true,
		Link:           "https://news.example.com/business/markets",
		Published:      &pub,
	}
	before := raw

	n := NewNormalizer(time.UTC, nil)
	item, err := n.Normalize(raw, model.Source{Name: "bbc"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if diff := cmp.Diff(before, raw); diff != "" {
		t.Errorf("raw item was modified (-before +after):\n%s", diff)
	}

	want := model.NewsItem{
		Title:          "Markets & bonds slide",
		Description:    "Yields jump",
		HasDescription: true,
		URL:            "https://news.example.com/business/markets",
		Source:         "bbc",
		PublishedAt:    pub,
	}
	if diff := cmp.Diff(want, item); diff != "" {
		t.Errorf("item mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeRejections(t *testing.T) {
	pub := time.Date(2026, time.October, 12, 1, 0, 0, 0, time.UTC)
	n := NewNormalizer(time.UTC, []string{"/videos/"})

	tests := []struct {
		name string
		raw  model.RawItem
		src  model.Source
		want error
	}{
		{
			name: "blank title",
			raw:  model.RawItem{Title: " &nbsp; ", Link: "https://x/a", Published: &pub},
			want: ErrEmptyTitle,
		},
		{
			name: "video link",
			raw:  model.RawItem{Title: "Clip", Link: "https://x/videos/1", Published: &pub},
			want: ErrMediaLink,
		},
		{
			name: "no publish date",
			raw:  model.RawItem{Title: "Story", Link: "https://x/a", PublishedRaw: "yesterday"},
			want: ErrNoPublishDate,
		},
		{
			name: "source filter",
			raw:  model.RawItem{Title: "Sponsored: travel deals", Link: "https://x/a", Published: &pub},
			src: model.Source{Filters: []model.Filter{
				{Kind: model.FilterExclude, Scope: model.ScopeTitle, Value: "sponsored"},
			}},
			want: ErrFiltered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.raw, tt.src)
			if !errors.Is(err, tt.want) {
				t.Errorf("Normalize() error = %v, want %v", err, tt.want)
			}
		})
	}
}
