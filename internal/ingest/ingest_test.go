package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"news_ingest/internal/classifier"
	"news_ingest/internal/dedup"
	"news_ingest/internal/lock"
	"news_ingest/internal/model"
	"news_ingest/internal/storage"
)

var sgt = time.FixedZone("SGT", 8*3600)

// Wednesday of the week 12-18 Oct 2026.
var runNow = time.Date(2026, time.October, 14, 12, 0, 0, 0, sgt)

const currentWeek = "121026-181026"

// --- fakes ---

type fetchResult struct {
	items []model.RawItem
	err   error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]fetchResult
	calls   []string
}

func (f *fakeFetcher) FetchSource(_ context.Context, src model.Source) ([]model.RawItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, src.Name)
	r := f.results[src.Name]
	return r.items, r.err
}

type fakeClassifier struct {
	mu     sync.Mutex
	levels map[string]model.ImpactLevel
	fail   map[string]bool
	seen   []string
}

func (c *fakeClassifier) Classify(title string) (model.ImpactLevel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, title)
	if c.fail[title] {
		return 0, errors.New("cannot score title")
	}
	return c.levels[title], nil
}

type loaderFunc func(ctx context.Context) (classifier.Classifier, error)

func (f loaderFunc) Load(ctx context.Context) (classifier.Classifier, error) { return f(ctx) }

func staticLoader(c classifier.Classifier) loaderFunc {
	return func(context.Context) (classifier.Classifier, error) { return c, nil }
}

type recordingNotifier struct {
	results []model.RunResult
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, r model.RunResult) error {
	n.results = append(n.results, r)
	return n.err
}

type lockedLocker struct{}

func (lockedLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, lock.ErrLocked
}

// failingStore breaks Insert after a number of successful calls.
type failingStore struct {
	storage.Store
	insertsBeforeFail int
}

func (s *failingStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, left: s.insertsBeforeFail}, nil
}

type failingTx struct {
	storage.Tx
	left int
}

func (t *failingTx) Insert(ctx context.Context, name string, row storage.Row) (int64, error) {
	if t.left == 0 {
		return 0, errors.New("disk I/O error")
	}
	t.left--
	return t.Tx.Insert(ctx, name, row)
}

// beginCountingStore records how many sources had been fetched when the run opened its transaction.
type beginCountingStore struct {
	storage.Store
	fetch          *fakeFetcher
	fetchedAtBegin []int
}

func (s *beginCountingStore) Begin(ctx context.Context) (storage.Tx, error) {
	s.fetch.mu.Lock()
	s.fetchedAtBegin = append(s.fetchedAtBegin, len(s.fetch.calls))
	s.fetch.mu.Unlock()
	return s.Store.Begin(ctx)
}

// --- helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *storage.SQL {
	t.Helper()
	s, err := storage.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func raw(title, link string, published time.Time) model.RawItem {
	p := published
	return model.RawItem{Title: title, Link: link, Published: &p, PublishedRaw: p.Format(time.RFC1123Z)}
}

func sources(names ...string) []model.Source {
	out := make([]model.Source, 0, len(names))
	for _, n := range names {
		out = append(out, model.Source{Name: n, URL: "https://" + n + ".example.com/rss"})
	}
	return out
}

func options(srcs []model.Source) Options {
	return Options{
		Sources:          srcs,
		ImpactFloor:      model.ImpactMedium,
		Threshold:        dedup.DefaultThreshold,
		Fields:           dedup.FieldsTitle,
		Retention:        90 * 24 * time.Hour,
		Location:         sgt,
		MediaSegments:    []string{"/videos/"},
		FetchConcurrency: 2,
	}
}

func newOrchestrator(t *testing.T, opts Options, deps Deps) *Orchestrator {
	t.Helper()
	if deps.Now == nil {
		deps.Now = func() time.Time { return runNow }
	}
	deps.Log = testLogger()
	o, err := New(opts, deps)
	require.NoError(t, err)
	return o
}

func tables(t *testing.T, s storage.Store) []string {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	names, err := tx.ListAll(context.Background())
	require.NoError(t, err)
	sort.Strings(names)
	return names
}

func storedTitles(t *testing.T, s storage.Store, table string) []storage.TitleSource {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	rows, err := tx.SelectTitles(context.Background(), table)
	require.NoError(t, err)
	return rows
}

// --- tests ---

func TestRunEndToEnd(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	sunday := time.Date(2026, time.October, 18, 22, 0, 0, 0, time.UTC) // Monday 06:00 SGT
	saturday := time.Date(2026, time.October, 17, 23, 0, 0, 0, sgt)

	fetch := &fakeFetcher{results: map[string]fetchResult{
		"cna_singapore": {items: []model.RawItem{
			raw("PM announces new policy on housing", "https://cna.example.com/sg/pm-housing", monday),
			raw("Hawker centre reopens", "https://cna.example.com/sg/hawker", monday),
			raw("Watch: PM speech", "https://cna.example.com/videos/pm-speech", monday),
			{Title: "Undated story", Link: "https://cna.example.com/sg/undated", PublishedRaw: "yesterday"},
		}},
		"bbc": {items: []model.RawItem{
			raw("PM Announces New Policy On Housing", "https://bbc.example.com/news/pm", saturday),
			raw("Central bank raises interest rates", "https://bbc.example.com/news/rates", saturday),
			raw("Markets rally after rate decision", "https://bbc.example.com/news/markets", sunday),
		}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{
		"PM announces new policy on housing": model.ImpactHigh,
		"Hawker centre reopens":              model.ImpactLow,
		"Watch: PM speech":                   model.ImpactHigh,
		"PM Announces New Policy On Housing": model.ImpactHigh,
		"Central bank raises interest rates": model.ImpactMedium,
		"Markets rally after rate decision":  model.ImpactMedium,
	}}
	notifier := &recordingNotifier{}
	store := newStore(t)

	o := newOrchestrator(t, options(sources("cna_singapore", "bbc")), Deps{
		Store:    store,
		Models:   staticLoader(clf),
		Fetcher:  fetch,
		Notifier: notifier,
	})
	res := o.Run(context.Background())

	require.NoError(t, res.Err)
	require.Equal(t, model.RunSucceeded, res.Status)
	require.Equal(t, 200, res.StatusCode())
	require.Equal(t, "RSS feeds processed successfully.", res.Message)

	type counters struct{ Sources, SourcesFailed, Fetched, Skipped, BelowFloor, Duplicates, Persisted, Expired int }
	got := counters{res.Sources, res.SourcesFailed, res.Fetched, res.Skipped, res.BelowFloor, res.Duplicates, res.Persisted, res.Expired}
	want := counters{Sources: 2, Fetched: 7, Skipped: 2, BelowFloor: 1, Duplicates: 1, Persisted: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("counters mismatch (-want +got):\n%s", diff)
	}

	// Media links never reach the classifier.
	require.NotContains(t, clf.seen, "Watch: PM speech")

	// Monday and Saturday items share the current week; Sunday 22:00 UTC is next week in SGT.
	wantCurrent := []storage.TitleSource{
		{Title: "PM announces new policy on housing", Source: "cna_singapore"},
		{Title: "Central bank raises interest rates", Source: "bbc"},
	}
	if diff := cmp.Diff(wantCurrent, storedTitles(t, store, currentWeek)); diff != "" {
		t.Errorf("current week mismatch (-want +got):\n%s", diff)
	}
	wantNext := []storage.TitleSource{{Title: "Markets rally after rate decision", Source: "bbc"}}
	if diff := cmp.Diff(wantNext, storedTitles(t, store, "191026-251026")); diff != "" {
		t.Errorf("next week mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, res.HighImpact, 1)
	require.Equal(t, "PM announces new policy on housing", res.HighImpact[0].Title)
	require.Equal(t, model.ImpactHigh, res.HighImpact[0].Impact)
	require.Len(t, notifier.results, 1)
	require.Equal(t, res.RunID, notifier.results[0].RunID)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"bbc": {items: []model.RawItem{
			raw("Storm Darragh: red weather warning issued for Wales", "https://bbc.example.com/1", monday),
		}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{
		"Storm Darragh: red weather warning issued for Wales": model.ImpactHigh,
	}}
	store := newStore(t)
	o := newOrchestrator(t, options(sources("bbc")), Deps{Store: store, Models: staticLoader(clf), Fetcher: fetch})

	first := o.Run(context.Background())
	require.NoError(t, first.Err)
	require.Equal(t, 1, first.Persisted)

	second := o.Run(context.Background())
	require.NoError(t, second.Err)
	require.Equal(t, 0, second.Persisted)
	require.Equal(t, 1, second.Duplicates)
	require.Empty(t, second.HighImpact)
	require.Len(t, storedTitles(t, store, currentWeek), 1)
}

func TestRunSourceFailureIsIsolated(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"cna_world": {err: context.DeadlineExceeded},
		"bbc": {items: []model.RawItem{
			raw("Central bank raises interest rates", "https://bbc.example.com/rates", monday),
		}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{"Central bank raises interest rates": model.ImpactMedium}}
	store := newStore(t)

	o := newOrchestrator(t, options(sources("cna_world", "bbc")), Deps{Store: store, Models: staticLoader(clf), Fetcher: fetch})
	res := o.Run(context.Background())

	require.NoError(t, res.Err)
	require.Equal(t, model.RunSucceeded, res.Status)
	require.Equal(t, 1, res.SourcesFailed)
	require.Equal(t, 1, res.Persisted)
	require.ElementsMatch(t, []string{"cna_world", "bbc"}, fetch.calls)
}

func TestRunClassifierErrorSkipsItem(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"bbc": {items: []model.RawItem{
			raw("???", "https://bbc.example.com/odd", monday),
			raw("Central bank raises interest rates", "https://bbc.example.com/rates", monday),
		}},
	}}
	clf := &fakeClassifier{
		levels: map[string]model.ImpactLevel{"Central bank raises interest rates": model.ImpactMedium},
		fail:   map[string]bool{"???": true},
	}
	o := newOrchestrator(t, options(sources("bbc")), Deps{Store: newStore(t), Models: staticLoader(clf), Fetcher: fetch})
	res := o.Run(context.Background())

	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, res.Persisted)
}

func TestRunModelUnavailableLeavesStorageUntouched(t *testing.T) {
	store := newStore(t)
	before := tables(t, store)
	fetch := &fakeFetcher{}

	loader := loaderFunc(func(context.Context) (classifier.Classifier, error) {
		return nil, classifier.ErrModelUnavailable
	})
	o := newOrchestrator(t, options(sources("bbc")), Deps{Store: store, Models: loader, Fetcher: fetch})
	res := o.Run(context.Background())

	require.Equal(t, model.RunFailed, res.Status)
	require.Equal(t, 500, res.StatusCode())
	require.ErrorIs(t, res.Err, classifier.ErrModelUnavailable)
	var runErr *RunError
	require.ErrorAs(t, res.Err, &runErr)
	require.Equal(t, StageLoadModel, runErr.Stage)
	require.Empty(t, fetch.calls)
	require.Equal(t, before, tables(t, store))
}

func TestRunRollsBackOnStorageError(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"bbc": {items: []model.RawItem{
			raw("Central bank raises interest rates", "https://bbc.example.com/rates", monday),
			raw("Floods displace thousands in Assam", "https://bbc.example.com/floods", monday),
		}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{
		"Central bank raises interest rates": model.ImpactMedium,
		"Floods displace thousands in Assam": model.ImpactHigh,
	}}
	store := newStore(t)
	before := tables(t, store)
	notifier := &recordingNotifier{}

	o := newOrchestrator(t, options(sources("bbc")), Deps{
		Store:    &failingStore{Store: store, insertsBeforeFail: 1},
		Models:   staticLoader(clf),
		Fetcher:  fetch,
		Notifier: notifier,
	})
	res := o.Run(context.Background())

	require.Equal(t, model.RunFailed, res.Status)
	var runErr *RunError
	require.ErrorAs(t, res.Err, &runErr)
	require.Equal(t, StagePersist, runErr.Stage)
	require.Empty(t, res.HighImpact)
	require.Empty(t, notifier.results)
	require.Equal(t, before, tables(t, store))
	require.NotContains(t, tables(t, store), currentWeek)
}

func TestRunFetchesBeforeOpeningTransaction(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"cna_world": {err: context.DeadlineExceeded},
		"bbc": {items: []model.RawItem{
			raw("Central bank raises interest rates", "https://bbc.example.com/rates", monday),
		}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{"Central bank raises interest rates": model.ImpactMedium}}
	store := &beginCountingStore{Store: newStore(t), fetch: fetch}

	o := newOrchestrator(t, options(sources("cna_world", "bbc")), Deps{Store: store, Models: staticLoader(clf), Fetcher: fetch})
	res := o.Run(context.Background())

	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Persisted)
	require.Equal(t, []int{2}, store.fetchedAtBegin)
}

func TestRunExpiresOldPartitions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, name := range []string{"060726-120726", "130726-190726", "notes"} {
		require.NoError(t, tx.Create(ctx, name))
	}
	require.NoError(t, tx.Commit())

	// An item from a week already past retention is not stored.
	old := time.Date(2026, time.July, 1, 9, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"bbc": {items: []model.RawItem{raw("Old story resurfaces", "https://bbc.example.com/old", old)}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{"Old story resurfaces": model.ImpactHigh}}

	now := func() time.Time { return time.Date(2026, time.October, 17, 12, 0, 0, 0, sgt) }
	o := newOrchestrator(t, options(sources("bbc")), Deps{Store: store, Models: staticLoader(clf), Fetcher: fetch, Now: now})
	res := o.Run(ctx)

	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Expired)
	require.Equal(t, 1, res.Skipped)
	require.Empty(t, clf.seen)

	names := tables(t, store)
	require.NotContains(t, names, "060726-120726")
	require.NotContains(t, names, "290626-050726")
	require.Contains(t, names, "130726-190726")
	require.Contains(t, names, "notes")
	require.Contains(t, names, currentWeek)
}

func TestRunLocked(t *testing.T) {
	fetch := &fakeFetcher{}
	o := newOrchestrator(t, options(sources("bbc")), Deps{
		Store:   newStore(t),
		Models:  staticLoader(&fakeClassifier{}),
		Fetcher: fetch,
		Locker:  lockedLocker{},
	})
	res := o.Run(context.Background())

	require.Equal(t, model.RunFailed, res.Status)
	require.ErrorIs(t, res.Err, lock.ErrLocked)
	require.Contains(t, res.Message, "another run in progress")
	require.Empty(t, fetch.calls)
}

func TestRunNotifierFailureDoesNotFailRun(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 8, 0, 0, 0, sgt)
	fetch := &fakeFetcher{results: map[string]fetchResult{
		"bbc": {items: []model.RawItem{raw("Floods displace thousands in Assam", "https://bbc.example.com/floods", monday)}},
	}}
	clf := &fakeClassifier{levels: map[string]model.ImpactLevel{"Floods displace thousands in Assam": model.ImpactHigh}}
	notifier := &recordingNotifier{err: errors.New("telegram unreachable")}

	o := newOrchestrator(t, options(sources("bbc")), Deps{
		Store:    newStore(t),
		Models:   staticLoader(clf),
		Fetcher:  fetch,
		Notifier: notifier,
	})
	res := o.Run(context.Background())

	require.Equal(t, model.RunSucceeded, res.Status)
	require.Len(t, notifier.results, 1)
}

func TestNewValidatesOptions(t *testing.T) {
	deps := Deps{Store: newStore(t), Models: staticLoader(&fakeClassifier{}), Fetcher: &fakeFetcher{}}

	tests := []struct {
		name   string
		mutate func(*Options, *Deps)
	}{
		{name: "threshold above 100", mutate: func(o *Options, _ *Deps) { o.Threshold = 101 }},
		{name: "invalid floor", mutate: func(o *Options, _ *Deps) { o.ImpactFloor = 5 }},
		{name: "zero retention", mutate: func(o *Options, _ *Deps) { o.Retention = 0 }},
		{name: "missing fetcher", mutate: func(_ *Options, d *Deps) { d.Fetcher = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, d := options(sources("bbc")), deps
			tt.mutate(&opts, &d)
			_, err := New(opts, d)
			require.Error(t, err)
		})
	}
}
