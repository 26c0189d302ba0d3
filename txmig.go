// Package txmig is a transactional migration orchestrator. Migrations are
// written in Go, registered in order, and applied through a single
// transaction per operation. Checksums of the SQL each migration would
// execute are stored alongside the bookkeeping rows and verified against
// the local migrations to detect drift.
package txmig

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTable is the bookkeeping table used unless overridden.
const DefaultTable = "_txmig_migrations"

// Migrator owns one live connection through its backend and the ordered
// set of registered migrations. It is stateless between calls apart from
// those; the applied state lives in the bookkeeping table. A migrator must
// not be invoked re-entrantly from within a migration body.
type Migrator struct {
	backend    Backend
	table      string
	options    MigratorOptions
	logger     zerolog.Logger
	extensions *Extensions
	migrations []Migration
}

func New(backend Backend, options ...Option) *Migrator {
	m := &Migrator{
		backend:    backend,
		table:      DefaultTable,
		options:    DefaultOptions(),
		logger:     zerolog.Nop(),
		extensions: newExtensions(nil),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// AddMigrations registers migrations in order. Registration is
// append-only; reordering or removing already-applied migrations breaks
// the version numbering the bookkeeping table relies on.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

func (m *Migrator) LocalMigrations() []Migration {
	return m.migrations
}

func (m *Migrator) SetOptions(options MigratorOptions) {
	m.options = options
}

// SetTable overrides the bookkeeping table name. The name is embedded
// into SQL as-is, never use untrusted input.
func (m *Migrator) SetTable(name string) {
	m.table = name
}

// Migrate applies every unapplied migration up to and including
// targetVersion inside one transaction. Any failure rolls the whole
// transaction back; no partial application is ever persisted.
func (m *Migrator) Migrate(ctx context.Context, targetVersion uint64) (MigrationSummary, error) {
	if _, err := m.localMigration(targetVersion); err != nil {
		return MigrationSummary{}, err
	}
	if err := m.backend.Lock(ctx); err != nil {
		return MigrationSummary{}, fmt.Errorf("acquire migration lock failed: %w", err)
	}
	defer m.unlock(ctx)
	if err := m.backend.EnsureTable(ctx, m.table); err != nil {
		return MigrationSummary{}, fmt.Errorf("ensure migrations table failed: %w", err)
	}
	applied, listErr := m.backend.ListApplied(ctx, m.table)
	if listErr != nil {
		return MigrationSummary{}, fmt.Errorf("list applied migrations failed: %w", listErr)
	}
	if err := m.checkConsistency(ctx, applied); err != nil {
		return MigrationSummary{}, err
	}
	tx, beginErr := m.backend.Begin(ctx)
	if beginErr != nil {
		return MigrationSummary{}, fmt.Errorf("begin migrations failed: %w", beginErr)
	}
	dbVersion := uint64(len(applied))
	for idx, migration := range m.migrations {
		version := uint64(idx) + 1
		if version > targetVersion {
			break
		}
		if version <= dbVersion {
			continue
		}
		m.logger.Info().
			Uint64("version", version).
			Str("name", migration.name).
			Msg("applying migration")
		start := time.Now()
		checksum, checksumErr := m.checksum(ctx, tx, version, migration)
		if checksumErr != nil {
			return MigrationSummary{}, m.rollback(ctx, tx, checksumErr)
		}
		runCtx := &MigrationContext{
			hasher: sha256.New(),
			tx:     tx,
			ext:    m.extensions,
		}
		if err := migration.up(ctx, runCtx); err != nil {
			return MigrationSummary{}, m.rollback(ctx, tx, &ApplyError{
				Name:    migration.name,
				Version: version,
				Err:     err,
			})
		}
		executionTime := time.Since(start)
		// Guards against re-applying a migration whose source changed
		// after a prior partial run recorded it.
		if m.options.VerifyChecksums && idx < len(applied) && !bytes.Equal(applied[idx].Checksum, checksum) {
			return MigrationSummary{}, m.rollback(ctx, tx, &ChecksumMismatchError{
				Version:       version,
				LocalChecksum: checksum,
				DBChecksum:    applied[idx].Checksum,
			})
		}
		if err := m.backend.InsertApplied(ctx, tx, m.table, AppliedMigration{
			Version:       version,
			Name:          migration.name,
			Checksum:      checksum,
			ExecutionTime: executionTime,
		}); err != nil {
			return MigrationSummary{}, m.rollback(ctx, tx, fmt.Errorf("insert applied migration failed: %w", err))
		}
		m.logger.Info().
			Uint64("version", version).
			Str("name", migration.name).
			Dur("execution_time", executionTime).
			Msg("migration applied")
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return MigrationSummary{}, m.rollback(ctx, tx, fmt.Errorf("commit migrations failed: %w", commitErr))
	}
	return MigrationSummary{
		OldVersion: versionPtr(dbVersion),
		NewVersion: versionPtr(max(targetVersion, dbVersion)),
	}, nil
}

// MigrateAll applies all local migrations, if there are any. With zero
// registered migrations it returns a no-op summary without touching the
// database.
func (m *Migrator) MigrateAll(ctx context.Context) (MigrationSummary, error) {
	if len(m.migrations) == 0 {
		return MigrationSummary{}, nil
	}
	return m.Migrate(ctx, uint64(len(m.migrations)))
}

// Revert reverts all applied migrations with a version of at least
// targetVersion, most recent first, inside one transaction. A migration
// without a down function is skipped but its bookkeeping row is still
// deleted, which desynchronizes actual schema state from bookkeeping;
// the warning log is the only signal.
func (m *Migrator) Revert(ctx context.Context, targetVersion uint64) (MigrationSummary, error) {
	if _, err := m.localMigration(targetVersion); err != nil {
		return MigrationSummary{}, err
	}
	if err := m.backend.Lock(ctx); err != nil {
		return MigrationSummary{}, fmt.Errorf("acquire migration lock failed: %w", err)
	}
	defer m.unlock(ctx)
	if err := m.backend.EnsureTable(ctx, m.table); err != nil {
		return MigrationSummary{}, fmt.Errorf("ensure migrations table failed: %w", err)
	}
	applied, listErr := m.backend.ListApplied(ctx, m.table)
	if listErr != nil {
		return MigrationSummary{}, fmt.Errorf("list applied migrations failed: %w", listErr)
	}
	if err := m.checkConsistency(ctx, applied); err != nil {
		return MigrationSummary{}, err
	}
	tx, beginErr := m.backend.Begin(ctx)
	if beginErr != nil {
		return MigrationSummary{}, fmt.Errorf("begin revert failed: %w", beginErr)
	}
	for idx := len(applied) - 1; idx >= int(targetVersion)-1; idx-- {
		version := uint64(idx) + 1
		migration := m.migrations[idx]
		m.logger.Info().
			Uint64("version", version).
			Str("name", migration.name).
			Msg("reverting migration")
		start := time.Now()
		if migration.down != nil {
			runCtx := &MigrationContext{
				hasher: sha256.New(),
				tx:     tx,
				ext:    m.extensions,
			}
			if err := migration.down(ctx, runCtx); err != nil {
				return MigrationSummary{}, m.rollback(ctx, tx, &RevertError{
					Name:    migration.name,
					Version: version,
					Err:     err,
				})
			}
		} else {
			m.logger.Warn().
				Uint64("version", version).
				Str("name", migration.name).
				Msg("no down migration found")
		}
		if err := m.backend.DeleteApplied(ctx, tx, m.table, version); err != nil {
			return MigrationSummary{}, m.rollback(ctx, tx, fmt.Errorf("delete applied migration failed: %w", err))
		}
		m.logger.Info().
			Uint64("version", version).
			Str("name", migration.name).
			Dur("execution_time", time.Since(start)).
			Msg("migration reverted")
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return MigrationSummary{}, m.rollback(ctx, tx, fmt.Errorf("commit revert failed: %w", commitErr))
	}
	return MigrationSummary{
		OldVersion: versionPtr(uint64(len(applied))),
		NewVersion: versionPtr(targetVersion - 1),
	}, nil
}

// RevertAll reverts every applied migration, if any.
func (m *Migrator) RevertAll(ctx context.Context) (MigrationSummary, error) {
	return m.Revert(ctx, 1)
}

// ForceVersion rewrites bookkeeping to claim exactly the first version
// local migrations are applied without running them; only their dry-pass
// checksums are computed and stored. Version 0 clears the table entirely.
//
// Clearing the table and re-inserting rows happen in separate
// transactions: a crash in between leaves the table empty while the
// schema is unchanged, requiring the operation to be re-run. Intended for
// adopting pre-existing schemas and manual recovery.
func (m *Migrator) ForceVersion(ctx context.Context, version uint64) (MigrationSummary, error) {
	if err := m.backend.Lock(ctx); err != nil {
		return MigrationSummary{}, fmt.Errorf("acquire migration lock failed: %w", err)
	}
	defer m.unlock(ctx)
	if err := m.backend.EnsureTable(ctx, m.table); err != nil {
		return MigrationSummary{}, fmt.Errorf("ensure migrations table failed: %w", err)
	}
	applied, listErr := m.backend.ListApplied(ctx, m.table)
	if listErr != nil {
		return MigrationSummary{}, fmt.Errorf("list applied migrations failed: %w", listErr)
	}
	oldVersion := versionPtr(uint64(len(applied)))
	if version == 0 {
		if err := m.backend.ClearApplied(ctx, m.table); err != nil {
			return MigrationSummary{}, fmt.Errorf("clear applied migrations failed: %w", err)
		}
		return MigrationSummary{OldVersion: oldVersion}, nil
	}
	if _, err := m.localMigration(version); err != nil {
		return MigrationSummary{}, err
	}
	if err := m.backend.ClearApplied(ctx, m.table); err != nil {
		return MigrationSummary{}, fmt.Errorf("clear applied migrations failed: %w", err)
	}
	tx, beginErr := m.backend.Begin(ctx)
	if beginErr != nil {
		return MigrationSummary{}, fmt.Errorf("begin force version failed: %w", beginErr)
	}
	for idx := uint64(0); idx < version; idx++ {
		migration := m.migrations[idx]
		checksum, checksumErr := m.checksum(ctx, tx, idx+1, migration)
		if checksumErr != nil {
			return MigrationSummary{}, m.rollback(ctx, tx, checksumErr)
		}
		if err := m.backend.InsertApplied(ctx, tx, m.table, AppliedMigration{
			Version:  idx + 1,
			Name:     migration.name,
			Checksum: checksum,
		}); err != nil {
			return MigrationSummary{}, m.rollback(ctx, tx, fmt.Errorf("insert applied migration failed: %w", err))
		}
		m.logger.Info().
			Uint64("version", idx+1).
			Str("name", migration.name).
			Msg("migration forcibly set as applied")
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return MigrationSummary{}, m.rollback(ctx, tx, fmt.Errorf("commit force version failed: %w", commitErr))
	}
	return MigrationSummary{
		OldVersion: oldVersion,
		NewVersion: versionPtr(version),
	}, nil
}

// Verify checks local migrations against the bookkeeping rows: counts,
// names (when VerifyNames) and checksums for every overlapping version,
// regardless of the VerifyChecksums option. The first mismatch is
// returned. No mutation happens beyond the idempotent table creation; the
// transaction used for dry passes is rolled back.
func (m *Migrator) Verify(ctx context.Context) error {
	if err := m.backend.EnsureTable(ctx, m.table); err != nil {
		return fmt.Errorf("ensure migrations table failed: %w", err)
	}
	applied, listErr := m.backend.ListApplied(ctx, m.table)
	if listErr != nil {
		return fmt.Errorf("list applied migrations failed: %w", listErr)
	}
	if err := m.checkMigrations(applied); err != nil {
		return err
	}
	results, compareErr := m.compareChecksums(ctx, applied)
	if compareErr != nil {
		return compareErr
	}
	for _, result := range results {
		if result != nil {
			return result
		}
	}
	return nil
}

// Status combines local and applied information for every version slot up
// to max(local count, applied count). Checksums are always computed when
// possible; mismatches are reported per row instead of failing.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.backend.EnsureTable(ctx, m.table); err != nil {
		return nil, fmt.Errorf("ensure migrations table failed: %w", err)
	}
	applied, listErr := m.backend.ListApplied(ctx, m.table)
	if listErr != nil {
		return nil, fmt.Errorf("list applied migrations failed: %w", listErr)
	}
	results, compareErr := m.compareChecksums(ctx, applied)
	if compareErr != nil {
		return nil, compareErr
	}
	count := max(len(m.migrations), len(applied))
	statuses := make([]MigrationStatus, 0, count)
	for idx := 0; idx < count; idx++ {
		version := uint64(idx) + 1
		checksumOK := idx >= len(results) || results[idx] == nil
		switch {
		case idx < len(m.migrations) && idx < len(applied):
			row := applied[idx]
			statuses = append(statuses, MigrationStatus{
				Version:    version,
				Name:       m.migrations[idx].name,
				Reversible: m.migrations[idx].IsReversible(),
				Applied:    &row,
				ChecksumOK: checksumOK,
			})
		case idx < len(m.migrations):
			statuses = append(statuses, MigrationStatus{
				Version:    version,
				Name:       m.migrations[idx].name,
				Reversible: m.migrations[idx].IsReversible(),
				ChecksumOK: checksumOK,
			})
		default:
			row := applied[idx]
			statuses = append(statuses, MigrationStatus{
				Version:      row.Version,
				Name:         row.Name,
				Applied:      &row,
				MissingLocal: true,
				ChecksumOK:   checksumOK,
			})
		}
	}
	return statuses, nil
}

func (m *Migrator) localMigration(version uint64) (Migration, error) {
	if len(m.migrations) == 0 {
		return Migration{}, ErrNoMigrations
	}
	if version == 0 || version > uint64(len(m.migrations)) {
		return Migration{}, &InvalidVersionError{
			Version:    version,
			MinVersion: 1,
			MaxVersion: uint64(len(m.migrations)),
		}
	}
	return m.migrations[version-1], nil
}

// checkConsistency runs the full pre-mutation check: count, names and
// stored checksums, the latter two gated by the options.
func (m *Migrator) checkConsistency(ctx context.Context, applied []AppliedMigration) error {
	if err := m.checkMigrations(applied); err != nil {
		return err
	}
	if !m.options.VerifyChecksums {
		return nil
	}
	results, compareErr := m.compareChecksums(ctx, applied)
	if compareErr != nil {
		return compareErr
	}
	for _, result := range results {
		if result != nil {
			return result
		}
	}
	return nil
}

func (m *Migrator) checkMigrations(applied []AppliedMigration) error {
	if len(m.migrations) < len(applied) {
		return &MissingMigrationsError{
			LocalCount: len(m.migrations),
			DBCount:    len(applied),
		}
	}
	if !m.options.VerifyNames {
		return nil
	}
	for idx, row := range applied {
		if row.Name != m.migrations[idx].name {
			return &NameMismatchError{
				Version:   uint64(idx) + 1,
				LocalName: m.migrations[idx].name,
				DBName:    row.Name,
			}
		}
	}
	return nil
}

// compareChecksums recomputes every local migration's checksum through a
// dry pass and compares it to the stored one where a row exists. The
// per-version result is nil on match or when no row exists. The
// transaction is always rolled back.
func (m *Migrator) compareChecksums(ctx context.Context, applied []AppliedMigration) ([]error, error) {
	tx, beginErr := m.backend.Begin(ctx)
	if beginErr != nil {
		return nil, fmt.Errorf("begin checksum verification failed: %w", beginErr)
	}
	results := make([]error, 0, len(m.migrations))
	for idx, migration := range m.migrations {
		version := uint64(idx) + 1
		checksum, checksumErr := m.checksum(ctx, tx, version, migration)
		if checksumErr != nil {
			return nil, m.rollback(ctx, tx, checksumErr)
		}
		if idx >= len(applied) || bytes.Equal(applied[idx].Checksum, checksum) {
			results = append(results, nil)
			continue
		}
		results = append(results, &ChecksumMismatchError{
			Version:       version,
			LocalChecksum: checksum,
			DBChecksum:    applied[idx].Checksum,
		})
	}
	if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
		return nil, fmt.Errorf("rollback checksum verification failed: %w", rollbackErr)
	}
	return results, nil
}

func (m *Migrator) rollback(ctx context.Context, tx Tx, cause error) error {
	if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
		return errors.Join(
			fmt.Errorf("rollback failed: %w", rollbackErr),
			cause,
		)
	}
	return cause
}

func (m *Migrator) unlock(ctx context.Context) {
	if unlockErr := m.backend.Unlock(ctx); unlockErr != nil {
		m.logger.Warn().Err(unlockErr).Msg("release migration lock failed")
	}
}

func versionPtr(version uint64) *uint64 {
	if version == 0 {
		return nil
	}
	return &version
}
