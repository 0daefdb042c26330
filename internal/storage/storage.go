// Package storage defines the partition store interface and its SQL implementation.
package storage

import (
	"context"
	"time"
)

// Row is one persisted news item inside a partition table.
type Row struct {
	ID          int64
	Title       string
	ImpactLevel int
	URL         string
	Source      string
	PublishedAt time.Time
}

// TitleSource is the projection the dedup index needs.
type TitleSource struct {
	Title  string
	Source string
}

// RunRecord is the audit row written for each successful run.
type RunRecord struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	Sources       int
	SourcesFailed int
	Fetched       int
	Skipped       int
	BelowFloor    int
	Duplicates    int
	Persisted     int
	Expired       int
}

// Store opens run-scoped transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a single run's view of storage. Nothing is visible to other runs until Commit.
type Tx interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	ListAll(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) error
	SelectTitles(ctx context.Context, name string) ([]TitleSource, error)
	SelectRows(ctx context.Context, name string) ([]Row, error)
	Insert(ctx context.Context, name string, row Row) (int64, error)
	RecordRun(ctx context.Context, rec RunRecord) error
	Commit() error
	Rollback() error
}
