package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const timeLayout = time.RFC3339Nano

// dialect holds the statements that differ between SQL engines.
type dialect interface {
	gooseDialect() string
	placeholders() sq.PlaceholderFormat
	listTables() sq.SelectBuilder
	createTable(table string) string
	// lockName serializes creation of the same table across concurrent transactions.
	lockName(ctx context.Context, tx *sql.Tx, table string) error
	encodeTime(t time.Time) any
}

type sqliteDialect struct{}

func (sqliteDialect) gooseDialect() string               { return "sqlite3" }
func (sqliteDialect) placeholders() sq.PlaceholderFormat { return sq.Question }

func (sqliteDialect) listTables() sq.SelectBuilder {
	return sq.Select("name").
		From("sqlite_master").
		Where(sq.Eq{"type": "table"}).
		Where(sq.NotLike{"name": "sqlite_%"})
}

func (sqliteDialect) createTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + quoteIdent(table) + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		impact_level INTEGER NOT NULL,
		url TEXT NOT NULL,
		source TEXT NOT NULL,
		published_at TEXT NOT NULL
	)`
}

// SQLite serializes writers on the database file; nothing extra is needed.
func (sqliteDialect) lockName(context.Context, *sql.Tx, string) error { return nil }

func (sqliteDialect) encodeTime(t time.Time) any { return t.UTC().Format(timeLayout) }

type postgresDialect struct{}

func (postgresDialect) gooseDialect() string               { return "postgres" }
func (postgresDialect) placeholders() sq.PlaceholderFormat { return sq.Dollar }

func (postgresDialect) listTables() sq.SelectBuilder {
	return sq.Select("table_name").
		From("information_schema.tables").
		Where("table_schema = current_schema()").
		Where(sq.Eq{"table_type": "BASE TABLE"})
}

func (postgresDialect) createTable(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + quoteIdent(table) + ` (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		impact_level SMALLINT NOT NULL,
		url TEXT NOT NULL,
		source TEXT NOT NULL,
		published_at TIMESTAMPTZ NOT NULL
	)`
}

func (postgresDialect) lockName(ctx context.Context, tx *sql.Tx, table string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return fmt.Errorf("advisory lock %s: %w", table, err)
	}
	return nil
}

func (postgresDialect) encodeTime(t time.Time) any { return t.UTC() }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(timeLayout, t)
	case []byte:
		return time.Parse(timeLayout, string(t))
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}
