package txmig

import "github.com/rs/zerolog"

// MigratorOptions controls how strict the consistency checks are before a
// mutating operation proceeds. Both verifications are on by default.
type MigratorOptions struct {
	VerifyChecksums bool
	VerifyNames     bool
}

func DefaultOptions() MigratorOptions {
	return MigratorOptions{
		VerifyChecksums: true,
		VerifyNames:     true,
	}
}

type Option func(*Migrator)

// WithTable overrides the bookkeeping table name. The name is embedded
// into SQL as-is, never use untrusted input.
func WithTable(name string) Option {
	return func(m *Migrator) {
		m.table = name
	}
}

func WithOptions(options MigratorOptions) Option {
	return func(m *Migrator) {
		m.options = options
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// WithExtensions makes values available to migration bodies, keyed by
// their dynamic type. See Extension.
func WithExtensions(values ...any) Option {
	return func(m *Migrator) {
		m.extensions = newExtensions(values)
	}
}
