package migrate

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Postgres runs migrations inside a transaction per file.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres creates a Postgres target.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) EnsureTable(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER     PRIMARY KEY,
			name       TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum   TEXT        NOT NULL DEFAULT '',
			applied_by TEXT        NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("EnsureTable: %w", err)
	}
	return nil
}

func (p *Postgres) Applied(ctx context.Context) ([]Applied, error) {
	var out []Applied
	err := p.db.SelectContext(ctx, &out, `
		SELECT version, name, applied_at, checksum, applied_by
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("Applied: %w", err)
	}
	return out, nil
}

func (p *Postgres) Apply(ctx context.Context, m Migration, appliedBy string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Apply: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("Apply: executing %s: %w", m.Filename, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, checksum, applied_by)
		VALUES ($1, $2, $3, $4)`,
		m.Version, m.Name, m.Checksum, appliedBy,
	); err != nil {
		return fmt.Errorf("Apply: recording %s: %w", m.Filename, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Apply: commit: %w", err)
	}
	return nil
}
