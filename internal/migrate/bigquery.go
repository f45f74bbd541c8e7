package migrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// BigQuery runs migrations as query jobs. BigQuery has no transactional
// DDL, so a migration that fails halfway must be repaired by hand.
type BigQuery struct {
	client  *bigquery.Client
	project string
	dataset string
}

// NewBigQuery creates a BigQuery target for project.dataset.
func NewBigQuery(client *bigquery.Client, project, dataset string) *BigQuery {
	return &BigQuery{client: client, project: project, dataset: dataset}
}

func (b *BigQuery) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", b.project, b.dataset)
}

func (b *BigQuery) EnsureTable(ctx context.Context) error {
	q := b.client.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`, b.table()))
	if err := runJob(ctx, q); err != nil {
		return fmt.Errorf("EnsureTable: %w", err)
	}
	return nil
}

func (b *BigQuery) Applied(ctx context.Context) ([]Applied, error) {
	q := b.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, b.table()))

	it, err := q.Read(ctx)
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
			return []Applied{}, nil
		}
		return nil, fmt.Errorf("Applied: %w", err)
	}

	var out []Applied
	for {
		var row struct {
			Version   int64                  `bigquery:"version"`
			Name      string                 `bigquery:"name"`
			AppliedAt bigquery.NullTimestamp `bigquery:"applied_at"`
			Checksum  bigquery.NullString    `bigquery:"checksum"`
			AppliedBy bigquery.NullString    `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Applied: iterating results: %w", err)
		}

		a := Applied{Version: int(row.Version), Name: row.Name}
		if row.AppliedAt.Valid {
			a.AppliedAt = row.AppliedAt.Timestamp
		}
		if row.Checksum.Valid {
			a.Checksum = row.Checksum.StringVal
		}
		if row.AppliedBy.Valid {
			a.AppliedBy = row.AppliedBy.StringVal
		}
		out = append(out, a)
	}
	return out, nil
}

func (b *BigQuery) Apply(ctx context.Context, m Migration, appliedBy string) error {
	if err := runJob(ctx, b.client.Query(m.SQL)); err != nil {
		return fmt.Errorf("Apply: executing %s: %w", m.Filename, err)
	}

	q := b.client.Query(fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, b.table()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: appliedBy},
	}
	if err := runJob(ctx, q); err != nil {
		return fmt.Errorf("Apply: recording %s: %w", m.Filename, err)
	}
	return nil
}

func runJob(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
