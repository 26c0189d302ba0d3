// Package sqlite adapts a database/sql handle backed by the pure-Go
// modernc.org/sqlite driver to the txmig backend contract.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	_ "modernc.org/sqlite"

	"github.com/daarxwalker/txmig"
)

type Backend struct {
	db *sql.DB
}

// New wraps an existing handle. The pool is capped at one connection so
// the migrator's transaction is the only writer.
func New(db *sql.DB) *Backend {
	db.SetMaxOpenConns(1)
	return &Backend{db: db}
}

// Open opens the database file at path (":memory:" works).
func Open(path string) (*Backend, error) {
	db, openErr := sql.Open("sqlite", path)
	if openErr != nil {
		return nil, fmt.Errorf("open sqlite database failed: %w", openErr)
	}
	return New(db), nil
}

func (b *Backend) EnsureTable(ctx context.Context, table string) error {
	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL,
	checksum BLOB NOT NULL,
	execution_time BIGINT NOT NULL
);`, table,
	)
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create migrations table failed: %w", err)
	}
	return nil
}

// Lock is a no-op: a single-file database has no advisory lock primitive,
// single-writer access is the caller's responsibility.
func (b *Backend) Lock(ctx context.Context) error {
	return nil
}

func (b *Backend) Unlock(ctx context.Context) error {
	return nil
}

type appliedRow struct {
	Version       int64  `db:"version"`
	Name          string `db:"name"`
	Checksum      []byte `db:"checksum"`
	ExecutionTime int64  `db:"execution_time"`
}

func (b *Backend) ListApplied(ctx context.Context, table string) ([]txmig.AppliedMigration, error) {
	query, args, createSQLErr := squirrel.Select("version", "name", "checksum", "execution_time").
		From(table).
		OrderBy("version").
		ToSql()
	if createSQLErr != nil {
		return nil, fmt.Errorf("create list applied migrations sql failed: %w", createSQLErr)
	}
	var rows []appliedRow
	if scanErr := sqlscan.Select(ctx, b.db, &rows, query, args...); scanErr != nil {
		return nil, fmt.Errorf("scan applied migrations failed: %w", scanErr)
	}
	applied := make([]txmig.AppliedMigration, len(rows))
	for i, row := range rows {
		applied[i] = txmig.AppliedMigration{
			Version:       uint64(row.Version),
			Name:          row.Name,
			Checksum:      row.Checksum,
			ExecutionTime: time.Duration(row.ExecutionTime),
		}
	}
	return applied, nil
}

func (b *Backend) InsertApplied(ctx context.Context, tx txmig.Tx, table string, migration txmig.AppliedMigration) error {
	query, args, createSQLErr := squirrel.Insert(table).
		Columns("version", "name", "checksum", "execution_time", "applied_at").
		Values(
			int64(migration.Version), migration.Name, migration.Checksum,
			migration.ExecutionTime.Nanoseconds(), time.Now().Unix(),
		).
		ToSql()
	if createSQLErr != nil {
		return fmt.Errorf("create insert applied migration sql failed: %w", createSQLErr)
	}
	if err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert applied migration failed: %w", err)
	}
	return nil
}

func (b *Backend) DeleteApplied(ctx context.Context, tx txmig.Tx, table string, version uint64) error {
	query, args, createSQLErr := squirrel.Delete(table).
		Where(squirrel.Eq{"version": int64(version)}).
		ToSql()
	if createSQLErr != nil {
		return fmt.Errorf("create delete applied migration sql failed: %w", createSQLErr)
	}
	if err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete applied migration failed: %w", err)
	}
	return nil
}

// ClearApplied deletes all rows; SQLite has no TRUNCATE.
func (b *Backend) ClearApplied(ctx context.Context, table string) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("clear applied migrations failed: %w", err)
	}
	return nil
}

func (b *Backend) Begin(ctx context.Context) (txmig.Tx, error) {
	tx, beginErr := b.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return nil, beginErr
	}
	return &sqlTx{tx: tx}, nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (txmig.Rows, error) {
	rows, queryErr := t.tx.QueryContext(ctx, query, args...)
	if queryErr != nil {
		return nil, queryErr
	}
	return &sqlRows{rows: rows}, nil
}

func (t *sqlTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback()
}

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

func (r *sqlRows) Close() {
	_ = r.rows.Close()
}
