package txmig

import (
	"context"
	"hash"
	"reflect"
)

// MigrationContext mediates all SQL issued by one migration pass. Every
// statement's text is folded into the checksum accumulator whether or not
// it actually runs; in hash-only mode nothing reaches the database and
// queries yield an empty result.
//
// If a migration body branches on data read from the database, the dry
// pass and the real pass can submit different statement sequences, so the
// stored checksum will not reflect what actually ran. This is an accepted
// trade-off.
type MigrationContext struct {
	hashOnly bool
	hasher   hash.Hash
	tx       Tx
	ext      *Extensions
}

// Exec runs a single statement in the current transaction.
func (c *MigrationContext) Exec(ctx context.Context, query string, args ...any) error {
	hashStatement(c.hasher, query)
	if c.hashOnly {
		return nil
	}
	return c.tx.Exec(ctx, query, args...)
}

// ExecAll runs statements one by one, stopping at the first failure.
func (c *MigrationContext) ExecAll(ctx context.Context, queries ...string) error {
	for _, query := range queries {
		if err := c.Exec(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a row-returning statement in the current transaction.
func (c *MigrationContext) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	hashStatement(c.hasher, query)
	if c.hashOnly {
		return emptyRows{}, nil
	}
	return c.tx.Query(ctx, query, args...)
}

// Extension looks up a value of type T from the migrator's extensions.
func Extension[T any](c *MigrationContext) (T, bool) {
	var zero T
	value, exists := c.ext.values[reflect.TypeOf(zero)]
	if !exists {
		return zero, false
	}
	return value.(T), true
}

// Extensions is an immutable, type-keyed set of values made available to
// migration bodies. Populated once at migrator construction.
type Extensions struct {
	values map[reflect.Type]any
}

func newExtensions(values []any) *Extensions {
	ext := &Extensions{values: make(map[reflect.Type]any, len(values))}
	for _, value := range values {
		ext.values[reflect.TypeOf(value)] = value
	}
	return ext
}

type emptyRows struct{}

func (emptyRows) Next() bool             { return false }
func (emptyRows) Scan(dest ...any) error { return nil }
func (emptyRows) Err() error             { return nil }
func (emptyRows) Close()                 {}
