package txmig

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoMigrations is returned when a version-addressed operation is
// attempted against an empty registered set.
var ErrNoMigrations = errors.New("there were no local migrations found")

// InvalidVersionError reports a target version outside the registered range.
type InvalidVersionError struct {
	Version    uint64
	MinVersion uint64
	MaxVersion uint64
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf(
		"invalid version specified: %d (available versions: %d-%d)",
		e.Version, e.MinVersion, e.MaxVersion,
	)
}

// MissingMigrationsError means the database recorded more applied
// migrations than are registered locally, usually a stale binary.
type MissingMigrationsError struct {
	LocalCount int
	DBCount    int
}

func (e *MissingMigrationsError) Error() string {
	return fmt.Sprintf(
		"missing migrations (%d local, but %d already applied)",
		e.LocalCount, e.DBCount,
	)
}

// ApplyError wraps a failure from a migration's up function, including
// failures during the hash-only dry pass.
type ApplyError struct {
	Name    string
	Version uint64
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply migration %d %s failed: %v", e.Version, e.Name, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// RevertError wraps a failure from a migration's down function.
type RevertError struct {
	Name    string
	Version uint64
	Err     error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("revert migration %d %s failed: %v", e.Version, e.Name, e.Err)
}

func (e *RevertError) Unwrap() error {
	return e.Err
}

// NameMismatchError means the stored name at a version does not match the
// locally registered one.
type NameMismatchError struct {
	Version   uint64
	LocalName string
	DBName    string
}

func (e *NameMismatchError) Error() string {
	return fmt.Sprintf(
		"expected migration %d to be %s but it was applied as %s",
		e.Version, e.LocalName, e.DBName,
	)
}

// ChecksumMismatchError means the recomputed checksum of a local migration
// differs from the one stored in the database.
type ChecksumMismatchError struct {
	Version       uint64
	LocalChecksum []byte
	DBChecksum    []byte
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf(
		"invalid checksum for migration %d (local %s, database %s)",
		e.Version,
		hex.EncodeToString(e.LocalChecksum),
		hex.EncodeToString(e.DBChecksum),
	)
}
