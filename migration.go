package txmig

import "context"

// MigrationFunc is a single migration step. All SQL must go through the
// provided MigrationContext so it can be checksummed.
type MigrationFunc func(ctx context.Context, tx *MigrationContext) error

// Migration is a named, ordered unit of schema change. Its version is the
// 1-based position in the order it was registered with the migrator; it is
// not stored on the migration itself.
type Migration struct {
	name string
	up   MigrationFunc
	down MigrationFunc
}

func NewMigration(name string, up MigrationFunc) Migration {
	return Migration{
		name: name,
		up:   up,
	}
}

// Reversible returns a copy of the migration with a down function set.
func (m Migration) Reversible(down MigrationFunc) Migration {
	m.down = down
	return m
}

func (m Migration) Name() string {
	return m.name
}

func (m Migration) IsReversible() bool {
	return m.down != nil
}

// MigrationSummary reports the bookkeeping version before and after an
// operation. A nil version means zero applied migrations.
type MigrationSummary struct {
	OldVersion *uint64
	NewVersion *uint64
}

// MigrationStatus is one row of the combined local/applied listing
// produced by Migrator.Status.
type MigrationStatus struct {
	Version    uint64
	Name       string
	Reversible bool
	// Applied holds the bookkeeping row, nil when not yet applied.
	Applied *AppliedMigration
	// MissingLocal marks a version the database recorded but no local
	// migration is registered for. Always considered invalid.
	MissingLocal bool
	ChecksumOK   bool
}
