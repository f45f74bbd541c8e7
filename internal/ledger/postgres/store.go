// Package postgres is the PostgreSQL ledger backend.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type recordRow struct {
	RecordType  string    `db:"record_type"`
	StableID    string    `db:"stable_id"`
	AccountKey  string    `db:"account_key"`
	AccountID   string    `db:"account_id"`
	Institution string    `db:"institution"`
	Body        []byte    `db:"body"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type batchRow struct {
	BatchID      string    `db:"batch_id"`
	ReceivedAt   time.Time `db:"received_at"`
	SourceKind   string    `db:"source_kind"`
	RecordCounts []byte    `db:"record_counts"`
	Status       string    `db:"status"`
	Created      int       `db:"created"`
	Updated      int       `db:"updated"`
	Warnings     int       `db:"warnings"`
}

// Store keeps ledger documents in the ledger_records table and the audit
// log in sync_batches.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn with lib/pq.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const selectRecord = `
	SELECT record_type, stable_id, account_key, account_id, institution, body, updated_at
	FROM ledger_records`

func (s *Store) Get(ctx context.Context, rt domain.RecordType, id string) (*ledger.Document, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, selectRecord+` WHERE record_type = $1 AND stable_id = $2`, string(rt.Collection()), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	doc := row.document()
	return &doc, nil
}

func (s *Store) Put(ctx context.Context, doc ledger.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("Put: empty id for %s", doc.Type)
	}
	accountKey := ""
	if !doc.Account.IsZero() {
		accountKey = doc.Account.ID()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_records (record_type, stable_id, account_key, account_id, institution, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_type, stable_id) DO UPDATE SET
			account_key = EXCLUDED.account_key,
			account_id  = EXCLUDED.account_id,
			institution = EXCLUDED.institution,
			body        = EXCLUDED.body,
			updated_at  = EXCLUDED.updated_at`,
		string(doc.Type.Collection()), doc.ID, accountKey,
		doc.Account.AccountID, doc.Account.Institution,
		[]byte(doc.Body), doc.UpdatedAt,
	)
	if err != nil {
		return classify("put", err)
	}
	return nil
}

func (s *Store) QueryByAccount(ctx context.Context, key domain.AccountKey) ([]ledger.Document, error) {
	if key.IsZero() {
		return nil, nil
	}
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, selectRecord+`
		WHERE account_key = $1
		ORDER BY record_type, stable_id`, key.ID())
	if err != nil {
		return nil, classify("query_by_account", err)
	}
	return documents(rows), nil
}

func (s *Store) List(ctx context.Context, rt domain.RecordType) ([]ledger.Document, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, selectRecord+`
		WHERE record_type = $1
		ORDER BY stable_id`, string(rt.Collection()))
	if err != nil {
		return nil, classify("list", err)
	}
	return documents(rows), nil
}

func (s *Store) AppendBatch(ctx context.Context, batch domain.SyncBatch) error {
	counts, err := json.Marshal(batch.RecordCounts)
	if err != nil {
		return fmt.Errorf("AppendBatch: encoding record counts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_batches (batch_id, received_at, source_kind, record_counts, status, created, updated, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		batch.BatchID, batch.ReceivedAt, string(batch.SourceKind), counts,
		batch.Status, batch.Created, batch.Updated, batch.Warnings,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ledger.ErrBatchExists
		}
		return classify("append_batch", err)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context, limit int) ([]domain.SyncBatch, error) {
	query := `
		SELECT batch_id, received_at, source_kind, record_counts, status, created, updated, warnings
		FROM sync_batches
		ORDER BY received_at DESC, batch_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify("list_batches", err)
	}

	out := make([]domain.SyncBatch, 0, len(rows))
	for _, r := range rows {
		b := domain.SyncBatch{
			BatchID:    r.BatchID,
			ReceivedAt: r.ReceivedAt,
			SourceKind: domain.SourceKind(r.SourceKind),
			Status:     r.Status,
			Created:    r.Created,
			Updated:    r.Updated,
			Warnings:   r.Warnings,
		}
		if len(r.RecordCounts) > 0 {
			if err := json.Unmarshal(r.RecordCounts, &b.RecordCounts); err != nil {
				return nil, fmt.Errorf("ListBatches: decoding record counts of %s: %w", r.BatchID, err)
			}
		}
		out = append(out, b)
	}
	return out, nil
}

func (r recordRow) document() ledger.Document {
	return ledger.Document{
		Type:      domain.RecordType(r.RecordType),
		ID:        r.StableID,
		Account:   domain.AccountKey{AccountID: r.AccountID, Institution: r.Institution},
		Body:      r.Body,
		UpdatedAt: r.UpdatedAt,
	}
}

func documents(rows []recordRow) []ledger.Document {
	out := make([]ledger.Document, len(rows))
	for i, r := range rows {
		out[i] = r.document()
	}
	return out
}

// classify maps connection-class failures to domain.StoreUnavailable. Query
// errors such as constraint violations pass through unchanged.
func classify(op string, err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return domain.Unavailable(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") || strings.HasPrefix(code, "57P") {
			return domain.Unavailable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
