package txmig

import (
	"context"
	"time"
)

// AppliedMigration is one bookkeeping row. The full set of rows, ordered
// by version, must form a contiguous 1..K range.
type AppliedMigration struct {
	Version       uint64
	Name          string
	Checksum      []byte
	ExecutionTime time.Duration
}

// Rows is the minimal result set surface migration bodies read through.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Tx is a single database transaction owned by one migrator operation.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend adapts one database kind to the migrator's bookkeeping needs.
// Table names are caller-trusted and embedded directly into SQL.
type Backend interface {
	// EnsureTable idempotently creates the bookkeeping table.
	EnsureTable(ctx context.Context, table string) error
	// Lock acquires an exclusive, database-scoped lock so only one
	// migrator process mutates bookkeeping at a time. A process killed
	// before Unlock may orphan the lock; recovery is backend-specific.
	// Backends without a native primitive may no-op when the caller
	// guarantees single-writer access out of band.
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	// ListApplied returns all bookkeeping rows ascending by version.
	ListApplied(ctx context.Context, table string) ([]AppliedMigration, error)
	InsertApplied(ctx context.Context, tx Tx, table string, migration AppliedMigration) error
	DeleteApplied(ctx context.Context, tx Tx, table string, version uint64) error
	// ClearApplied deletes every bookkeeping row. Runs outside any
	// transaction the migrator holds.
	ClearApplied(ctx context.Context, table string) error
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}
