package sqlite_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daarxwalker/txmig"
	"github.com/daarxwalker/txmig/sqlite"
)

func newTestDB(t *testing.T) (*sql.DB, *sqlite.Backend) {
	t.Helper()
	db, openErr := sql.Open("sqlite", ":memory:")
	require.NoError(t, openErr)
	backend := sqlite.New(db)
	t.Cleanup(
		func() {
			_ = backend.Close(context.Background())
		},
	)
	return db, backend
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	require.NoError(t, err)
	return count == 1
}

func testMigrations() []txmig.Migration {
	return []txmig.Migration{
		txmig.NewMigration(
			"create users", func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL);")
			},
		).Reversible(
			func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "DROP TABLE users;")
			},
		),
		txmig.NewMigration(
			"create posts", func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL);")
			},
		).Reversible(
			func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "DROP TABLE posts;")
			},
		),
	}
}

func TestMigrateRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, backend := newTestDB(t)
	m := txmig.New(backend)
	m.AddMigrations(testMigrations()...)

	summary, err := m.MigrateAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, summary.OldVersion)
	require.NotNil(t, summary.NewVersion)
	assert.Equal(t, uint64(2), *summary.NewVersion)
	assert.True(t, tableExists(t, db, "users"))
	assert.True(t, tableExists(t, db, "posts"))
	require.NoError(t, m.Verify(ctx))

	summary, err = m.RevertAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, summary.NewVersion)
	assert.False(t, tableExists(t, db, "users"))
	assert.False(t, tableExists(t, db, "posts"))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Nil(t, status[0].Applied)
	assert.Nil(t, status[1].Applied)
}

func TestBookkeepingRows(t *testing.T) {
	ctx := context.Background()
	db, backend := newTestDB(t)
	m := txmig.New(backend)
	m.AddMigrations(testMigrations()...)

	_, err := m.MigrateAll(ctx)
	require.NoError(t, err)

	rows, queryErr := db.Query(
		"SELECT version, name, execution_time, applied_at FROM " + txmig.DefaultTable + " ORDER BY version",
	)
	require.NoError(t, queryErr)
	defer rows.Close()

	var listed []struct {
		version       int64
		name          string
		executionTime int64
		appliedAt     int64
	}
	for rows.Next() {
		var row struct {
			version       int64
			name          string
			executionTime int64
			appliedAt     int64
		}
		require.NoError(t, rows.Scan(&row.version, &row.name, &row.executionTime, &row.appliedAt))
		listed = append(listed, row)
	}
	require.NoError(t, rows.Err())
	require.Len(t, listed, 2)
	assert.Equal(t, int64(1), listed[0].version)
	assert.Equal(t, "create users", listed[0].name)
	assert.Equal(t, int64(2), listed[1].version)
	assert.Equal(t, "create posts", listed[1].name)
	assert.Positive(t, listed[0].appliedAt)
}

func TestMigrateFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db, backend := newTestDB(t)
	m := txmig.New(backend)
	m.AddMigrations(
		txmig.NewMigration(
			"ok", func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "CREATE TABLE ok_table (id INTEGER);")
			},
		),
		txmig.NewMigration(
			"broken", func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "CREATE TABLE broken (;")
			},
		),
	)

	_, err := m.MigrateAll(ctx)
	var applyErr *txmig.ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "broken", applyErr.Name)

	// the whole batch rolled back, including the first migration
	assert.False(t, tableExists(t, db, "ok_table"))
	status, statusErr := m.Status(ctx)
	require.NoError(t, statusErr)
	assert.Nil(t, status[0].Applied)
	assert.Nil(t, status[1].Applied)
}

func TestForceVersionHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	db, backend := newTestDB(t)
	m := txmig.New(backend)
	m.AddMigrations(testMigrations()...)

	summary, err := m.ForceVersion(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, summary.NewVersion)
	assert.Equal(t, uint64(2), *summary.NewVersion)

	// stamped as applied, but no migration body ran
	assert.False(t, tableExists(t, db, "users"))
	assert.False(t, tableExists(t, db, "posts"))

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.NotNil(t, status[0].Applied)
	assert.NotNil(t, status[1].Applied)
	assert.True(t, status[0].ChecksumOK)
	assert.True(t, status[1].ChecksumOK)
	assert.Zero(t, status[0].Applied.ExecutionTime)

	summary, err = m.ForceVersion(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, summary.NewVersion)
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, status[0].Applied)
}

func TestVerifyDetectsDrift(t *testing.T) {
	ctx := context.Background()
	_, backend := newTestDB(t)
	m := txmig.New(backend)
	m.AddMigrations(testMigrations()...)

	_, err := m.MigrateAll(ctx)
	require.NoError(t, err)

	drifted := txmig.New(backend)
	drifted.AddMigrations(
		txmig.NewMigration(
			"create users", func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY);")
			},
		),
		testMigrations()[1],
	)

	var mismatch *txmig.ChecksumMismatchError
	require.ErrorAs(t, drifted.Verify(ctx), &mismatch)
	assert.Equal(t, uint64(1), mismatch.Version)
}

func TestNonReversibleRevertDeletesRowOnly(t *testing.T) {
	ctx := context.Background()
	db, backend := newTestDB(t)
	m := txmig.New(backend)
	m.AddMigrations(
		txmig.NewMigration(
			"irreversible", func(ctx context.Context, tx *txmig.MigrationContext) error {
				return tx.Exec(ctx, "CREATE TABLE permanent (id INTEGER);")
			},
		),
	)

	_, err := m.MigrateAll(ctx)
	require.NoError(t, err)

	_, err = m.RevertAll(ctx)
	require.NoError(t, err)

	// the bookkeeping row is gone but the table survived
	assert.True(t, tableExists(t, db, "permanent"))
	status, statusErr := m.Status(ctx)
	require.NoError(t, statusErr)
	assert.Nil(t, status[0].Applied)
}

func TestCustomTableName(t *testing.T) {
	ctx := context.Background()
	db, backend := newTestDB(t)
	m := txmig.New(backend, txmig.WithTable("schema_history"))
	m.AddMigrations(testMigrations()...)

	_, err := m.MigrateAll(ctx)
	require.NoError(t, err)
	assert.True(t, tableExists(t, db, "schema_history"))
	assert.False(t, tableExists(t, db, txmig.DefaultTable))
}
