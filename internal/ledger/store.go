// Package ledger is the persistence boundary of the reconciliation engine.
// Backends implement Store over opaque JSON documents; Ledger layers typed
// access to canonical records on top.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

var (
	// ErrNotFound is returned by Get when no record has the given StableId.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrBatchExists is returned by AppendBatch for a batch ID already in the
	// audit log. The log is append-only.
	ErrBatchExists = errors.New("ledger: batch already recorded")
)

// Document is one stored record. Type is always a collection type (see
// domain.RecordType.Collection). Account is the owning account, zero for
// records that have none.
type Document struct {
	Type      domain.RecordType `json:"type"`
	ID        string            `json:"id"`
	Account   domain.AccountKey `json:"account"`
	Body      json.RawMessage   `json:"body"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the contract every ledger backend implements. Writes are atomic
// per record; there is no multi-record transaction.
type Store interface {
	Get(ctx context.Context, rt domain.RecordType, id string) (*Document, error)
	Put(ctx context.Context, doc Document) error
	QueryByAccount(ctx context.Context, key domain.AccountKey) ([]Document, error)
	List(ctx context.Context, rt domain.RecordType) ([]Document, error)
	AppendBatch(ctx context.Context, batch domain.SyncBatch) error
	ListBatches(ctx context.Context, limit int) ([]domain.SyncBatch, error)
}

// SameAccount reports whether a and b denote the same account under the
// ledger's key normalization.
func SameAccount(a, b domain.AccountKey) bool {
	return !a.IsZero() && a.ID() == b.ID()
}
