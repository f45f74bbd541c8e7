// Package bigquery is the BigQuery ledger backend.
package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const (
	recordsTable = "ledger_records"
	batchesTable = "sync_batches"
)

// RecordRow is one row of the ledger_records table.
type RecordRow struct {
	RecordType  string    `bigquery:"record_type"`
	StableID    string    `bigquery:"stable_id"`
	AccountKey  string    `bigquery:"account_key"`
	AccountID   string    `bigquery:"account_id"`
	Institution string    `bigquery:"institution"`
	Body        string    `bigquery:"body"` // JSON document
	UpdatedTS   time.Time `bigquery:"updated_ts"`
}

// BatchRow is one row of the sync_batches audit table.
type BatchRow struct {
	BatchID      string    `bigquery:"batch_id"`
	ReceivedTS   time.Time `bigquery:"received_ts"`
	SourceKind   string    `bigquery:"source_kind"`
	RecordCounts string    `bigquery:"record_counts"` // JSON object
	Status       string    `bigquery:"status"`
	Created      int64     `bigquery:"created"`
	Updated      int64     `bigquery:"updated"`
	Warnings     int64     `bigquery:"warnings"`
}

// Save implements bigquery.ValueSaver. The batch ID doubles as the insert ID
// so a retried streaming insert is deduplicated.
func (r *BatchRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"batch_id":      r.BatchID,
		"received_ts":   r.ReceivedTS,
		"source_kind":   r.SourceKind,
		"record_counts": r.RecordCounts,
		"status":        r.Status,
		"created":       r.Created,
		"updated":       r.Updated,
		"warnings":      r.Warnings,
	}, r.BatchID, nil
}

// Store keeps the ledger in a BigQuery dataset. It holds one shared client.
type Store struct {
	client  *bigquery.Client
	project string
	dataset string
}

// NewStore creates a client for projectID and uses dataset for all tables.
func NewStore(ctx context.Context, projectID, dataset string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return &Store{client: client, project: projectID, dataset: dataset}, nil
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Client exposes the client for migrations.
func (s *Store) Client() *bigquery.Client {
	return s.client
}

func (s *Store) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.dataset, name)
}

func (s *Store) Get(ctx context.Context, rt domain.RecordType, id string) (*ledger.Document, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT record_type, stable_id, account_key, account_id, institution, body, updated_ts
		FROM %s
		WHERE record_type = @record_type AND stable_id = @stable_id
		LIMIT 1
	`, s.table(recordsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "record_type", Value: string(rt.Collection())},
		{Name: "stable_id", Value: id},
	}

	rows, err := readRecords(ctx, q)
	if err != nil {
		return nil, classify("get", err)
	}
	if len(rows) == 0 {
		return nil, ledger.ErrNotFound
	}
	doc := rows[0].Document()
	return &doc, nil
}

// Put upserts one document with a MERGE statement.
func (s *Store) Put(ctx context.Context, doc ledger.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("Put: empty id for %s", doc.Type)
	}
	row := NewRecordRow(doc)

	q := s.client.Query(fmt.Sprintf(`
		MERGE %s T
		USING (SELECT @record_type AS record_type, @stable_id AS stable_id) S
		ON T.record_type = S.record_type AND T.stable_id = S.stable_id
		WHEN MATCHED THEN
			UPDATE SET account_key = @account_key, account_id = @account_id,
				institution = @institution, body = @body, updated_ts = @updated_ts
		WHEN NOT MATCHED THEN
			INSERT (record_type, stable_id, account_key, account_id, institution, body, updated_ts)
			VALUES (@record_type, @stable_id, @account_key, @account_id, @institution, @body, @updated_ts)
	`, s.table(recordsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "record_type", Value: row.RecordType},
		{Name: "stable_id", Value: row.StableID},
		{Name: "account_key", Value: row.AccountKey},
		{Name: "account_id", Value: row.AccountID},
		{Name: "institution", Value: row.Institution},
		{Name: "body", Value: row.Body},
		{Name: "updated_ts", Value: row.UpdatedTS},
	}

	if err := runDML(ctx, q); err != nil {
		return classify("put", err)
	}
	return nil
}

func (s *Store) QueryByAccount(ctx context.Context, key domain.AccountKey) ([]ledger.Document, error) {
	if key.IsZero() {
		return nil, nil
	}
	q := s.client.Query(fmt.Sprintf(`
		SELECT record_type, stable_id, account_key, account_id, institution, body, updated_ts
		FROM %s
		WHERE account_key = @account_key
		ORDER BY record_type, stable_id
	`, s.table(recordsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_key", Value: key.ID()},
	}

	rows, err := readRecords(ctx, q)
	if err != nil {
		return nil, classify("query_by_account", err)
	}
	return documents(rows), nil
}

func (s *Store) List(ctx context.Context, rt domain.RecordType) ([]ledger.Document, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT record_type, stable_id, account_key, account_id, institution, body, updated_ts
		FROM %s
		WHERE record_type = @record_type
		ORDER BY stable_id
	`, s.table(recordsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "record_type", Value: string(rt.Collection())},
	}

	rows, err := readRecords(ctx, q)
	if err != nil {
		return nil, classify("list", err)
	}
	return documents(rows), nil
}

// AppendBatch streams the audit row. BigQuery has no unique constraint, so an
// existing batch ID is checked for first.
func (s *Store) AppendBatch(ctx context.Context, batch domain.SyncBatch) error {
	q := s.client.Query(fmt.Sprintf(`
		SELECT COUNT(*) AS n FROM %s WHERE batch_id = @batch_id
	`, s.table(batchesTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "batch_id", Value: batch.BatchID}}

	it, err := q.Read(ctx)
	if err != nil {
		return classify("append_batch", err)
	}
	var count struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&count); err != nil && err != iterator.Done {
		return classify("append_batch", err)
	}
	if count.N > 0 {
		return ledger.ErrBatchExists
	}

	row, err := NewBatchRow(batch)
	if err != nil {
		return err
	}
	inserter := s.client.DatasetInProject(s.project, s.dataset).Table(batchesTable).Inserter()
	if err := inserter.Put(ctx, row); err != nil {
		return classify("append_batch", err)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context, limit int) ([]domain.SyncBatch, error) {
	query := fmt.Sprintf(`
		SELECT batch_id, received_ts, source_kind, record_counts, status, created, updated, warnings
		FROM %s
		ORDER BY received_ts DESC, batch_id DESC
	`, s.table(batchesTable))
	var params []bigquery.QueryParameter
	if limit > 0 {
		query += " LIMIT @limit"
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: limit})
	}
	q := s.client.Query(query)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify("list_batches", err)
	}

	var out []domain.SyncBatch
	for {
		var row BatchRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify("list_batches", err)
		}
		b, err := row.Batch()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func readRecords(ctx context.Context, q *bigquery.Query) ([]RecordRow, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading query: %w", err)
	}
	var rows []RecordRow
	for {
		var r RecordRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func runDML(ctx context.Context, q *bigquery.Query) error {
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

// NewRecordRow converts a document to its table row.
func NewRecordRow(doc ledger.Document) RecordRow {
	row := RecordRow{
		RecordType:  string(doc.Type.Collection()),
		StableID:    doc.ID,
		AccountID:   doc.Account.AccountID,
		Institution: doc.Account.Institution,
		Body:        string(doc.Body),
		UpdatedTS:   doc.UpdatedAt,
	}
	if !doc.Account.IsZero() {
		row.AccountKey = doc.Account.ID()
	}
	return row
}

// Document converts the row back to a ledger document.
func (r RecordRow) Document() ledger.Document {
	return ledger.Document{
		Type:      domain.RecordType(r.RecordType),
		ID:        r.StableID,
		Account:   domain.AccountKey{AccountID: r.AccountID, Institution: r.Institution},
		Body:      json.RawMessage(r.Body),
		UpdatedAt: r.UpdatedTS,
	}
}

func documents(rows []RecordRow) []ledger.Document {
	out := make([]ledger.Document, len(rows))
	for i, r := range rows {
		out[i] = r.Document()
	}
	return out
}

// NewBatchRow converts an audit record to its table row.
func NewBatchRow(b domain.SyncBatch) (*BatchRow, error) {
	counts, err := json.Marshal(b.RecordCounts)
	if err != nil {
		return nil, fmt.Errorf("NewBatchRow: encoding record counts: %w", err)
	}
	return &BatchRow{
		BatchID:      b.BatchID,
		ReceivedTS:   b.ReceivedAt,
		SourceKind:   string(b.SourceKind),
		RecordCounts: string(counts),
		Status:       b.Status,
		Created:      int64(b.Created),
		Updated:      int64(b.Updated),
		Warnings:     int64(b.Warnings),
	}, nil
}

// Batch converts the row back to an audit record.
func (r BatchRow) Batch() (domain.SyncBatch, error) {
	b := domain.SyncBatch{
		BatchID:    r.BatchID,
		ReceivedAt: r.ReceivedTS,
		SourceKind: domain.SourceKind(r.SourceKind),
		Status:     r.Status,
		Created:    int(r.Created),
		Updated:    int(r.Updated),
		Warnings:   int(r.Warnings),
	}
	if r.RecordCounts != "" && r.RecordCounts != "null" {
		if err := json.Unmarshal([]byte(r.RecordCounts), &b.RecordCounts); err != nil {
			return domain.SyncBatch{}, fmt.Errorf("Batch: decoding record counts of %s: %w", r.BatchID, err)
		}
	}
	return b, nil
}

// classify maps rate limiting and server-side failures to
// domain.StoreUnavailable.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 429 || apiErr.Code >= 500) {
		return domain.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
