package partition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"news_ingest/internal/dedup"
	"news_ingest/internal/model"
	"news_ingest/internal/storage"
)

// Manager creates, loads and expires partitions inside one run's transaction.
// It is not shared between runs.
type Manager struct {
	tx  storage.Tx
	log *slog.Logger

	mu      sync.Mutex
	handles map[string]*Partition
}

// NewManager returns a Manager bound to tx.
func NewManager(tx storage.Tx, log *slog.Logger) *Manager {
	return &Manager{
		tx:      tx,
		log:     log.With("component", "partition"),
		handles: make(map[string]*Partition),
	}
}

// EnsureExists creates the partition if needed and returns a handle preloaded with its
// stored (title, source) rows. Repeated calls return the same handle.
func (m *Manager) EnsureExists(ctx context.Context, key Key) (*Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := key.String()
	if p, ok := m.handles[name]; ok {
		return p, nil
	}

	exists, err := m.tx.Exists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check partition %s: %w", name, err)
	}
	if !exists {
		if err := m.tx.Create(ctx, name); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
		m.log.Info("created partition", "partition", name)
	}

	rows, err := m.tx.SelectTitles(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load partition %s: %w", name, err)
	}
	entries := make([]dedup.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, dedup.Entry{Title: r.Title, Source: r.Source})
	}

	p := &Partition{key: key, tx: m.tx, entries: entries}
	m.handles[name] = p
	return p, nil
}

// ExpireOlderThan drops every partition whose end date is strictly before the date
// of now minus horizon. Names that do not parse as partitions are left alone.
func (m *Manager) ExpireOlderThan(ctx context.Context, now time.Time, horizon time.Duration) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names, err := m.tx.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	cutoff := Cutoff(now, horizon)
	var dropped []Key
	for _, name := range names {
		key, err := ParseKey(name)
		if err != nil {
			m.log.Debug("skipping non-partition table", "table", name)
			continue
		}
		if !key.ExpiredAt(cutoff) {
			continue
		}
		if err := m.tx.Drop(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", name, err)
		}
		delete(m.handles, name)
		dropped = append(dropped, key)
		m.log.Info("expired partition", "partition", name, "cutoff", cutoff.Format(time.DateOnly))
	}
	return dropped, nil
}

// Partition is a handle on one weekly table plus the titles already stored in it.
type Partition struct {
	key Key
	tx  storage.Tx

	mu      sync.Mutex
	entries []dedup.Entry
}

// Key returns the partition key.
func (p *Partition) Key() Key { return p.key }

// Admit checks item against the partition and inserts it if it is not a duplicate.
// The check and the insert happen under one lock, so the next Admit sees this item.
func (p *Partition) Admit(ctx context.Context, ix *dedup.Index, item model.NewsItem) (bool, dedup.Match, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidate := entryFor(item)
	if dup, match := ix.IsDuplicate(candidate, p.entries); dup {
		return false, match, nil
	}
	if err := p.insertLocked(ctx, item); err != nil {
		return false, dedup.Match{}, err
	}
	return true, dedup.Match{}, nil
}

func (p *Partition) insertLocked(ctx context.Context, item model.NewsItem) error {
	_, err := p.tx.Insert(ctx, p.key.String(), storage.Row{
		Title:       item.Title,
		ImpactLevel: int(item.Impact),
		URL:         item.URL,
		Source:      item.Source,
		PublishedAt: item.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", p.key, err)
	}
	p.entries = append(p.entries, entryFor(item))
	return nil
}

func entryFor(item model.NewsItem) dedup.Entry {
	return dedup.Entry{
		Title:          item.Title,
		Source:         item.Source,
		Description:    item.Description,
		HasDescription: item.HasDescription,
	}
}
