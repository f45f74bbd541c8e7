// Package migrate applies the versioned schema of the ledger stores.
//
// Migration files are named NNNN_name.sql and embedded per driver. Applied
// versions are tracked in a schema_migrations table together with the
// checksum of the file; a file whose content changed after it was applied
// stops the run.
package migrate

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/logger"
)

//go:embed postgres/*.sql bigquery/*.sql
var embedded embed.FS

// ErrChecksumDrift is returned when an applied migration no longer matches
// its file.
var ErrChecksumDrift = errors.New("migration checksum drift")

var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int       `db:"version"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
	AppliedBy string    `db:"applied_by"`
}

// Target is a database that can record and run migrations.
type Target interface {
	EnsureTable(ctx context.Context) error
	Applied(ctx context.Context) ([]Applied, error)
	Apply(ctx context.Context, m Migration, appliedBy string) error
}

// ParseFilename splits NNNN_name.sql into its version and name.
func ParseFilename(filename string) (int, string, bool) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil || version == 0 {
		return 0, "", false
	}
	return version, m[2], true
}

// Load reads the migrations in dir, replacing {{KEY}} placeholders from
// vars. The checksum covers the file before substitution, so one migration
// set can target several datasets.
func Load(fsys fs.FS, dir string, vars map[string]string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("Load: reading %s: %w", dir, err)
	}

	seen := make(map[int]string)
	var out []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := ParseFilename(e.Name())
		if !ok {
			return nil, fmt.Errorf("Load: invalid migration filename %q, want NNNN_name.sql", e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("Load: version %04d used by %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", e.Name(), err)
		}

		sql := string(content)
		for k, v := range vars {
			sql = strings.ReplaceAll(sql, "{{"+k+"}}", v)
		}

		out = append(out, Migration{
			Version:  version,
			Name:     name,
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Embedded returns the built-in migrations for driver ("postgres" or
// "bigquery").
func Embedded(driver string, vars map[string]string) ([]Migration, error) {
	switch driver {
	case "postgres", "bigquery":
		return Load(embedded, driver, vars)
	default:
		return nil, fmt.Errorf("Embedded: no migrations for driver %q", driver)
	}
}

// Pending returns the migrations not yet applied, in version order. An
// applied migration whose checksum differs from its file is an error.
func Pending(migrations []Migration, applied []Applied) ([]Migration, error) {
	done := make(map[int]Applied, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}

	var pending []Migration
	for _, m := range migrations {
		a, ok := done[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if a.Checksum != "" && a.Checksum != m.Checksum {
			return nil, fmt.Errorf("%w: %s was applied with checksum %.12s, file has %.12s",
				ErrChecksumDrift, m.Filename, a.Checksum, m.Checksum)
		}
	}
	return pending, nil
}

// Report summarizes a run.
type Report struct {
	Applied []string
	Skipped int
}

// Run brings target up to date with migrations.
func Run(ctx context.Context, target Target, migrations []Migration, appliedBy string) (*Report, error) {
	log := logger.FromContext(ctx)

	if err := target.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("Run: ensuring schema_migrations: %w", err)
	}
	applied, err := target.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("Run: reading applied migrations: %w", err)
	}
	pending, err := Pending(migrations, applied)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	report := &Report{Skipped: len(migrations) - len(pending)}
	for _, m := range pending {
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")
		if err := target.Apply(ctx, m, appliedBy); err != nil {
			return report, fmt.Errorf("Run: applying %s: %w", m.Filename, err)
		}
		report.Applied = append(report.Applied, m.Filename)
	}

	if len(report.Applied) == 0 {
		log.Info().Int("skipped", report.Skipped).Msg("Schema is up to date")
	} else {
		log.Info().Int("applied", len(report.Applied)).Int("skipped", report.Skipped).Msg("Migrations applied")
	}
	return report, nil
}
