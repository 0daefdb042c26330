// Package ingest runs one pass of the news pipeline: fetch, classify, dedup and persist.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"news_ingest/internal/classifier"
	"news_ingest/internal/dedup"
	"news_ingest/internal/fetcher"
	"news_ingest/internal/lock"
	"news_ingest/internal/model"
	"news_ingest/internal/notify"
	"news_ingest/internal/partition"
	"news_ingest/internal/storage"
)

const successMessage = "RSS feeds processed successfully."

// SourceFetcher returns one snapshot of a feed.
type SourceFetcher interface {
	FetchSource(ctx context.Context, src model.Source) ([]model.RawItem, error)
}

// ModelLoader provides the classifier for a run.
type ModelLoader interface {
	Load(ctx context.Context) (classifier.Classifier, error)
}

// Options is the run policy.
type Options struct {
	Sources          []model.Source
	ImpactFloor      model.ImpactLevel
	Threshold        int
	Fields           dedup.Fields
	Retention        time.Duration
	Location         *time.Location
	MediaSegments    []string
	FetchConcurrency int
	LockName         string
	LockTTL          time.Duration
}

// Deps are the collaborators of an Orchestrator. Locker, Notifier and Now are optional.
type Deps struct {
	Store    storage.Store
	Models   ModelLoader
	Fetcher  SourceFetcher
	Locker   lock.Locker
	Notifier notify.Notifier
	Now      func() time.Time
	Log      *slog.Logger
}

// Orchestrator executes ingestion runs.
type Orchestrator struct {
	opts       Options
	deps       Deps
	index      *dedup.Index
	normalizer *fetcher.Normalizer
	log        *slog.Logger
}

// New validates opts and wires an Orchestrator.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Models == nil || deps.Fetcher == nil {
		return nil, errors.New("store, model loader and fetcher are required")
	}
	if !opts.ImpactFloor.Valid() {
		return nil, fmt.Errorf("invalid impact floor %d", opts.ImpactFloor)
	}
	if opts.Retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", opts.Retention)
	}
	index, err := dedup.NewIndex(opts.Threshold, opts.Fields)
	if err != nil {
		return nil, fmt.Errorf("create dedup index: %w", err)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FetchConcurrency < 1 {
		opts.FetchConcurrency = 1
	}
	if opts.LockName == "" {
		opts.LockName = "ingest"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	return &Orchestrator{
		opts:       opts,
		deps:       deps,
		index:      index,
		normalizer: fetcher.NewNormalizer(opts.Location, opts.MediaSegments),
		log:        deps.Log.With("component", "ingest"),
	}, nil
}

// Run performs one complete run. All storage changes are committed together or not at all.
func (o *Orchestrator) Run(ctx context.Context) model.RunResult {
	res := model.RunResult{
		RunID:     uuid.NewString(),
		StartedAt: o.now(),
		Sources:   len(o.opts.Sources),
	}
	log := o.log.With("run_id", res.RunID)
	log.Info("run started", "sources", res.Sources)

	err := o.run(ctx, log, &res)
	res.FinishedAt = o.now()

	if err != nil {
		res.Status = model.RunFailed
		res.Err = err
		res.Message = err.Error()
		res.HighImpact = nil
		log.Error("run failed", "error", err, "duration", res.FinishedAt.Sub(res.StartedAt))
		return res
	}

	res.Status = model.RunSucceeded
	res.Message = successMessage
	log.Info("run finished",
		"fetched", res.Fetched,
		"persisted", res.Persisted,
		"duplicates", res.Duplicates,
		"below_floor", res.BelowFloor,
		"skipped", res.Skipped,
		"sources_failed", res.SourcesFailed,
		"expired", res.Expired,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	o.logHighImpact(log, res.HighImpact)

	if o.deps.Notifier != nil && len(res.HighImpact) > 0 {
		if err := o.deps.Notifier.Notify(ctx, res); err != nil {
			log.Error("notify high impact news", "error", err)
		}
	}
	return res
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, res *model.RunResult) error {
	release, err := o.deps.Locker.Acquire(ctx, o.opts.LockName, o.opts.LockTTL)
	if err != nil {
		return fatal(StageLock, err)
	}
	defer release()

	clf, err := o.deps.Models.Load(ctx)
	if err != nil {
		return fatal(StageLoadModel, err)
	}

	// The transaction must not span network I/O.
	batches := o.fetchAll(ctx, log)

	tx, err := o.deps.Store.Begin(ctx)
	if err != nil {
		return fatal(StageConnect, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			log.Error("rollback", "error", err)
		}
	}()

	now := o.now().In(o.opts.Location)
	mgr := partition.NewManager(tx, log)
	if _, err := mgr.EnsureExists(ctx, partition.KeyFor(now)); err != nil {
		return fatal(StageEnsure, err)
	}
	expired, err := mgr.ExpireOlderThan(ctx, now, o.opts.Retention)
	if err != nil {
		return fatal(StageExpire, err)
	}
	res.Expired = len(expired)

	st := &runState{
		log:    log,
		mgr:    mgr,
		clf:    clf,
		cutoff: partition.Cutoff(now, o.opts.Retention),
		res:    res,
	}
	for _, batch := range batches {
		if batch.err != nil {
			res.SourcesFailed++
			log.Warn("skipping source", "source", batch.source.Name, "url", batch.source.URL, "error", batch.err)
			continue
		}
		log.Debug("fetched source", "source", batch.source.Name, "items", len(batch.items))
		for _, raw := range batch.items {
			res.Fetched++
			if err := o.processItem(ctx, st, batch.source, raw); err != nil {
				return fatal(StagePersist, err)
			}
		}
	}

	if err := tx.RecordRun(ctx, storage.RunRecord{
		ID:            res.RunID,
		StartedAt:     res.StartedAt,
		FinishedAt:    o.now(),
		Sources:       res.Sources,
		SourcesFailed: res.SourcesFailed,
		Fetched:       res.Fetched,
		Skipped:       res.Skipped,
		BelowFloor:    res.BelowFloor,
		Duplicates:    res.Duplicates,
		Persisted:     res.Persisted,
		Expired:       res.Expired,
	}); err != nil {
		return fatal(StageRecord, err)
	}
	if err := tx.Commit(); err != nil {
		return fatal(StageCommit, err)
	}
	return nil
}

// runState is what processItem needs from the surrounding run.
type runState struct {
	log    *slog.Logger
	mgr    *partition.Manager
	clf    classifier.Classifier
	cutoff time.Time
	res    *model.RunResult
}

// processItem handles one feed entry. A returned error is a storage failure and ends
// the run; every other problem is logged, counted and skipped.
func (o *Orchestrator) processItem(ctx context.Context, st *runState, src model.Source, raw model.RawItem) error {
	log, res := st.log, st.res

	item, err := o.normalizer.Normalize(raw, src)
	if err != nil {
		res.Skipped++
		if errors.Is(err, fetcher.ErrMediaLink) || errors.Is(err, fetcher.ErrFiltered) {
			log.Debug("skipping item", "source", src.Name, "link", raw.Link, "reason", err)
		} else {
			log.Warn("skipping item", "source", src.Name, "title", raw.Title, "link", raw.Link, "published", raw.PublishedRaw, "error", err)
		}
		return nil
	}

	key := partition.KeyFor(item.PublishedAt)
	if key.ExpiredAt(st.cutoff) {
		res.Skipped++
		log.Debug("skipping item older than retention", "source", src.Name, "title", item.Title, "partition", key)
		return nil
	}

	level, err := st.clf.Classify(item.Title)
	if err != nil {
		res.Skipped++
		log.Warn("classify item", "source", src.Name, "title", item.Title, "link", item.URL, "error", err)
		return nil
	}
	item.Impact = level
	if level < o.opts.ImpactFloor {
		res.BelowFloor++
		return nil
	}

	p, err := st.mgr.EnsureExists(ctx, key)
	if err != nil {
		return err
	}
	ok, match, err := p.Admit(ctx, o.index, item)
	if err != nil {
		return err
	}
	if !ok {
		res.Duplicates++
		log.Debug("duplicate item",
			"source", src.Name,
			"title", item.Title,
			"matched_title", match.Entry.Title,
			"matched_source", match.Entry.Source,
			"field", match.Field,
			"score", match.Score,
		)
		return nil
	}

	res.Persisted++
	if level == model.ImpactHigh {
		res.HighImpact = append(res.HighImpact, item)
	}
	log.Debug("stored item", "source", src.Name, "title", item.Title, "impact", int(level), "partition", key)
	return nil
}

type sourceBatch struct {
	source model.Source
	items  []model.RawItem
	err    error
}

// fetchAll fetches every source concurrently and returns the batches in configured order.
func (o *Orchestrator) fetchAll(ctx context.Context, log *slog.Logger) []sourceBatch {
	batches := make([]sourceBatch, len(o.opts.Sources))

	var g errgroup.Group
	g.SetLimit(o.opts.FetchConcurrency)
	for i, src := range o.opts.Sources {
		batches[i].source = src
		g.Go(func() error {
			items, err := o.deps.Fetcher.FetchSource(ctx, src)
			if err != nil {
				batches[i].err = fmt.Errorf("fetch %s: %w", src.Name, err)
				return nil
			}
			batches[i].items = items
			return nil
		})
	}
	_ = g.Wait()

	log.Debug("fetched all sources", "sources", len(batches))
	return batches
}

func (o *Orchestrator) logHighImpact(log *slog.Logger, items []model.NewsItem) {
	if len(items) == 0 {
		log.Info("No high-impact news found")
		return
	}
	titles := make([]string, 0, len(items))
	for _, it := range items {
		titles = append(titles, it.Title)
	}
	log.Info("High impact news titles", "count", len(titles), "titles", titles)
}

func (o *Orchestrator) now() time.Time {
	return o.deps.Now()
}
