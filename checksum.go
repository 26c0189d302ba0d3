package txmig

import (
	"context"
	"crypto/sha256"
	"hash"
	"strings"
)

// hashStatement folds normalized statement text into the accumulator.
// Line endings are normalized and surrounding whitespace trimmed so the
// checksum survives editor and platform differences.
func hashStatement(hasher hash.Hash, query string) {
	query = strings.ReplaceAll(query, "\r\n", "\n")
	query = strings.TrimSpace(query)
	hasher.Write([]byte(query))
}

// checksum computes the migration's identity by running its up function
// in hash-only mode: statements are hashed, never executed. The
// transaction is only passed through so extensions and contexts line up;
// it is never written to.
func (m *Migrator) checksum(ctx context.Context, tx Tx, version uint64, migration Migration) ([]byte, error) {
	hasher := sha256.New()
	dryCtx := &MigrationContext{
		hashOnly: true,
		hasher:   hasher,
		tx:       tx,
		ext:      m.extensions,
	}
	if err := migration.up(ctx, dryCtx); err != nil {
		return nil, &ApplyError{Name: migration.name, Version: version, Err: err}
	}
	return hasher.Sum(nil), nil
}
