package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver registration.
	_ "modernc.org/sqlite"             // SQLite driver registration.

	"news_ingest/migrations"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQL implements Store on top of database/sql.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database named by driver and dsn and runs pending migrations.
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(ctx, dsn)
	case DriverPostgres, "pgx":
		return NewPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes run transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return newSQL(db, sqliteDialect{})
}

// NewPostgres opens a Postgres database through pgx and runs pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQL(db, postgresDialect{})
}

func newSQL(db *sql.DB, d dialect) (*SQL, error) {
	if err := migrations.Run(db, d.gooseDialect()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQL{db: db, dialect: d}, nil
}

// Ping checks that the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Begin starts the transaction a single run works in.
func (s *SQL) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqlTx{tx: tx, d: s.dialect, sb: sq.StatementBuilder.PlaceholderFormat(s.dialect.placeholders())}, nil
}

type sqlTx struct {
	tx *sql.Tx
	d  dialect
	sb sq.StatementBuilderType
}

func (t *sqlTx) Exists(ctx context.Context, name string) (bool, error) {
	names, err := t.ListAll(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (t *sqlTx) Create(ctx context.Context, name string) error {
	if err := t.d.lockName(ctx, t.tx, name); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, t.d.createTable(name)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (t *sqlTx) ListAll(ctx context.Context) ([]string, error) {
	query, args, err := t.d.listTables().OrderBy("1").PlaceholderFormat(t.d.placeholders()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tables: %w", err)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (t *sqlTx) Drop(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}

func (t *sqlTx) SelectTitles(ctx context.Context, name string) ([]TitleSource, error) {
	query, args, err := t.sb.Select("title", "source").From(quoteIdent(name)).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select titles: %w", err)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select titles from %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []TitleSource
	for rows.Next() {
		var ts TitleSource
		if err := rows.Scan(&ts.Title, &ts.Source); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (t *sqlTx) SelectRows(ctx context.Context, name string) ([]Row, error) {
	query, args, err := t.sb.
		Select("id", "title", "impact_level", "url", "source", "published_at").
		From(quoteIdent(name)).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select rows: %w", err)
	}
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select rows from %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var (
			r   Row
			pub any
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.ImpactLevel, &r.URL, &r.Source, &pub); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if r.PublishedAt, err = decodeTime(pub); err != nil {
			return nil, fmt.Errorf("parse published_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *sqlTx) Insert(ctx context.Context, name string, row Row) (int64, error) {
	query, args, err := t.sb.Insert(quoteIdent(name)).
		Columns("title", "impact_level", "url", "source", "published_at").
		Values(row.Title, row.ImpactLevel, row.URL, row.Source, t.d.encodeTime(row.PublishedAt)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert: %w", err)
	}
	var id int64
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert into %s: %w", name, err)
	}
	return id, nil
}

func (t *sqlTx) RecordRun(ctx context.Context, rec RunRecord) error {
	query, args, err := t.sb.Insert("ingest_runs").
		Columns("id", "started_at", "finished_at", "sources", "sources_failed",
			"fetched", "skipped", "below_floor", "duplicates", "persisted", "expired").
		Values(rec.ID, t.d.encodeTime(rec.StartedAt), t.d.encodeTime(rec.FinishedAt), rec.Sources, rec.SourcesFailed,
			rec.Fetched, rec.Skipped, rec.BelowFloor, rec.Duplicates, rec.Persisted, rec.Expired).
		ToSql()
	if err != nil {
		return fmt.Errorf("build record run: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback is safe to call after Commit.
func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
