package txmig

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
)

type sourceFile struct {
	version  *semver.Version
	name     string
	upPath   string
	downPath string
}

// FromFS builds an ordered migration list from a filesystem (embed.FS
// works) of <version>_<name>_up.sql files with optional _down.sql
// counterparts, where <version> is a semantic version. Files are ordered
// by version, then name; a migration without a down file is not
// reversible. The result is exactly the shape AddMigrations consumes.
func FromFS(fsys fs.FS) ([]Migration, error) {
	var files []sourceFile
	if err := fs.WalkDir(
		fsys, ".", func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_up.sql") {
				return nil
			}
			name := entry.Name()
			rawVersion, _, found := strings.Cut(name, "_")
			if !found {
				return fmt.Errorf("missing version prefix: %s", path)
			}
			version, parseVersionErr := semver.NewVersion(rawVersion)
			if parseVersionErr != nil {
				return fmt.Errorf("parse version failed for %s: %w", path, parseVersionErr)
			}
			files = append(
				files, sourceFile{
					version:  version,
					name:     strings.TrimSuffix(name, "_up.sql"),
					upPath:   path,
					downPath: strings.Replace(path, "_up.sql", "_down.sql", 1),
				},
			)
			return nil
		},
	); err != nil {
		return nil, fmt.Errorf("scan migrations failed: %w", err)
	}
	sort.Slice(
		files, func(i, j int) bool {
			if !files[i].version.Equal(files[j].version) {
				return files[i].version.LessThan(files[j].version)
			}
			return files[i].name < files[j].name
		},
	)
	for idx := 1; idx < len(files); idx++ {
		if files[idx].version.Equal(files[idx-1].version) {
			return nil, fmt.Errorf(
				"duplicate migration version %s: %s and %s",
				files[idx].version, files[idx-1].upPath, files[idx].upPath,
			)
		}
	}
	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		upBytes, readUpErr := fs.ReadFile(fsys, file.upPath)
		if readUpErr != nil {
			return nil, fmt.Errorf("read migration file failed: %w", readUpErr)
		}
		queryUp := string(upBytes)
		migration := NewMigration(
			file.name, func(ctx context.Context, tx *MigrationContext) error {
				return tx.Exec(ctx, queryUp)
			},
		)
		if downBytes, readDownErr := fs.ReadFile(fsys, file.downPath); readDownErr == nil {
			queryDown := string(downBytes)
			migration = migration.Reversible(
				func(ctx context.Context, tx *MigrationContext) error {
					return tx.Exec(ctx, queryDown)
				},
			)
		}
		migrations = append(migrations, migration)
	}
	return migrations, nil
}
