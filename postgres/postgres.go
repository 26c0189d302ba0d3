// Package postgres adapts a single pgx connection to the txmig backend
// contract.
package postgres

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/daarxwalker/txmig"
)

// Factor applied to the database name hash for advisory lock keys, the
// same derivation rails and sqlx use.
const lockIDSeed = 0x20871d5f

type Backend struct {
	conn *pgx.Conn
}

// New wraps an existing connection. The migrator owns it exclusively for
// the duration of each operation.
func New(conn *pgx.Conn) *Backend {
	return &Backend{conn: conn}
}

// Connect opens a dedicated connection to the given URL.
func Connect(ctx context.Context, url string) (*Backend, error) {
	conn, connectErr := pgx.Connect(ctx, url)
	if connectErr != nil {
		return nil, fmt.Errorf("connect to postgres failed: %w", connectErr)
	}
	return &Backend{conn: conn}, nil
}

func (b *Backend) EnsureTable(ctx context.Context, table string) error {
	query := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	checksum BYTEA NOT NULL,
	execution_time BIGINT NOT NULL
);`, table,
	)
	if _, err := b.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create migrations table failed: %w", err)
	}
	return nil
}

// Lock takes a session-scoped advisory lock keyed by the database name.
// It blocks until the lock is acquired. A process killed before Unlock
// keeps the lock until its connection dies.
func (b *Backend) Lock(ctx context.Context) error {
	id, lockIDErr := b.lockID(ctx)
	if lockIDErr != nil {
		return lockIDErr
	}
	if _, err := b.conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		return fmt.Errorf("acquire advisory lock failed: %w", err)
	}
	return nil
}

func (b *Backend) Unlock(ctx context.Context) error {
	id, lockIDErr := b.lockID(ctx)
	if lockIDErr != nil {
		return lockIDErr
	}
	if _, err := b.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", id); err != nil {
		return fmt.Errorf("release advisory lock failed: %w", err)
	}
	return nil
}

type appliedRow struct {
	Version       int64  `db:"version"`
	Name          string `db:"name"`
	Checksum      []byte `db:"checksum"`
	ExecutionTime int64  `db:"execution_time"`
}

func (b *Backend) ListApplied(ctx context.Context, table string) ([]txmig.AppliedMigration, error) {
	query, args, createSQLErr := listAppliedSQL(table)
	if createSQLErr != nil {
		return nil, fmt.Errorf("create list applied migrations sql failed: %w", createSQLErr)
	}
	var rows []appliedRow
	if scanErr := pgxscan.Select(ctx, b.conn, &rows, query, args...); scanErr != nil {
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
	query, args, createSQLErr := insertAppliedSQL(table, migration)
	if createSQLErr != nil {
		return fmt.Errorf("create insert applied migration sql failed: %w", createSQLErr)
	}
	if err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert applied migration failed: %w", err)
	}
	return nil
}

func (b *Backend) DeleteApplied(ctx context.Context, tx txmig.Tx, table string, version uint64) error {
	query, args, createSQLErr := deleteAppliedSQL(table, version)
	if createSQLErr != nil {
		return fmt.Errorf("create delete applied migration sql failed: %w", createSQLErr)
	}
	if err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete applied migration failed: %w", err)
	}
	return nil
}

func (b *Backend) ClearApplied(ctx context.Context, table string) error {
	if _, err := b.conn.Exec(ctx, "TRUNCATE "+table); err != nil {
		return fmt.Errorf("clear applied migrations failed: %w", err)
	}
	return nil
}

func (b *Backend) Begin(ctx context.Context) (txmig.Tx, error) {
	tx, beginErr := b.conn.Begin(ctx)
	if beginErr != nil {
		return nil, beginErr
	}
	return &pgxTx{tx: tx}, nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.conn.Close(ctx)
}

func (b *Backend) lockID(ctx context.Context) (int64, error) {
	var database string
	if err := pgxscan.Get(ctx, b.conn, &database, "SELECT current_database()"); err != nil {
		return 0, fmt.Errorf("get current database failed: %w", err)
	}
	return lockID(database), nil
}

func lockID(database string) int64 {
	return lockIDSeed * int64(crc32.ChecksumIEEE([]byte(database)))
}

func listAppliedSQL(table string) (string, []any, error) {
	return squirrel.Select("version", "name", "checksum", "execution_time").
		From(table).
		OrderBy("version").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func insertAppliedSQL(table string, migration txmig.AppliedMigration) (string, []any, error) {
	return squirrel.Insert(table).
		Columns("version", "name", "checksum", "execution_time").
		Values(
			int64(migration.Version), migration.Name, migration.Checksum,
			migration.ExecutionTime.Nanoseconds(),
		).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

func deleteAppliedSQL(table string, version uint64) (string, []any, error) {
	return squirrel.Delete(table).
		Where(squirrel.Eq{"version": int64(version)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}

func (t *pgxTx) Query(ctx context.Context, query string, args ...any) (txmig.Rows, error) {
	rows, queryErr := t.tx.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, queryErr
	}
	return rows, nil
}

func (t *pgxTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
