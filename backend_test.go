package txmig_test

import (
	"context"
	"crypto/sha256"
	"slices"
	"strings"

	"github.com/daarxwalker/txmig"
)

// fakeBackend keeps bookkeeping rows in memory and buffers everything a
// transaction does until Commit, so rollback semantics are observable.
type fakeBackend struct {
	applied    []txmig.AppliedMigration
	statements []string
	lockErr    error
	locks      int
	unlocks    int
	ensures    int
	begins     int
	commits    int
	rollbacks  int
}

func (b *fakeBackend) EnsureTable(ctx context.Context, table string) error {
	b.ensures++
	return nil
}

func (b *fakeBackend) Lock(ctx context.Context) error {
	if b.lockErr != nil {
		return b.lockErr
	}
	b.locks++
	return nil
}

func (b *fakeBackend) Unlock(ctx context.Context) error {
	b.unlocks++
	return nil
}

func (b *fakeBackend) ListApplied(ctx context.Context, table string) ([]txmig.AppliedMigration, error) {
	return slices.Clone(b.applied), nil
}

func (b *fakeBackend) InsertApplied(ctx context.Context, tx txmig.Tx, table string, migration txmig.AppliedMigration) error {
	ftx := tx.(*fakeTx)
	ftx.applied = append(ftx.applied, migration)
	return nil
}

func (b *fakeBackend) DeleteApplied(ctx context.Context, tx txmig.Tx, table string, version uint64) error {
	ftx := tx.(*fakeTx)
	ftx.applied = slices.DeleteFunc(
		ftx.applied, func(row txmig.AppliedMigration) bool {
			return row.Version == version
		},
	)
	return nil
}

func (b *fakeBackend) ClearApplied(ctx context.Context, table string) error {
	b.applied = nil
	return nil
}

func (b *fakeBackend) Begin(ctx context.Context) (txmig.Tx, error) {
	b.begins++
	return &fakeTx{backend: b, applied: slices.Clone(b.applied)}, nil
}

func (b *fakeBackend) Close(ctx context.Context) error {
	return nil
}

type fakeTx struct {
	backend    *fakeBackend
	applied    []txmig.AppliedMigration
	statements []string
	execErr    error
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...any) error {
	if t.execErr != nil {
		return t.execErr
	}
	t.statements = append(t.statements, query)
	return nil
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...any) (txmig.Rows, error) {
	t.statements = append(t.statements, query)
	return noRows{}, nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.backend.commits++
	t.backend.applied = t.applied
	t.backend.statements = append(t.backend.statements, t.statements...)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.backend.rollbacks++
	return nil
}

type noRows struct{}

func (noRows) Next() bool             { return false }
func (noRows) Scan(dest ...any) error { return nil }
func (noRows) Err() error             { return nil }
func (noRows) Close()                 {}

func sqlMigration(name, up, down string) txmig.Migration {
	migration := txmig.NewMigration(
		name, func(ctx context.Context, tx *txmig.MigrationContext) error {
			return tx.Exec(ctx, up)
		},
	)
	if down != "" {
		migration = migration.Reversible(
			func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, down)
			},
		)
	}
	return migration
}

// digest mirrors the checksum the execution context accumulates: each
// statement normalized and trimmed, folded into one hash.
func digest(statements ...string) []byte {
	hasher := sha256.New()
	for _, statement := range statements {
		statement = strings.ReplaceAll(statement, "\r\n", "\n")
		hasher.Write([]byte(strings.TrimSpace(statement)))
	}
	return hasher.Sum(nil)
}

func ptr(version uint64) *uint64 {
	return &version
}
