package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Ledger gives typed access to canonical records kept in a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New wraps store.
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

func get[T any](ctx context.Context, l *Ledger, rt domain.RecordType, id string) (T, bool, error) {
	var v T
	doc, err := l.store.Get(ctx, rt, id)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, false, fmt.Errorf("decoding %s %s: %w", rt, id, err)
	}
	return v, true, nil
}

func put(ctx context.Context, l *Ledger, rt domain.RecordType, id string, account domain.AccountKey, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", rt, id, err)
	}
	return l.store.Put(ctx, Document{
		Type:      rt.Collection(),
		ID:        id,
		Account:   account,
		Body:      body,
		UpdatedAt: l.now().UTC(),
	})
}

func list[T any](ctx context.Context, l *Ledger, rt domain.RecordType) ([]T, error) {
	docs, err := l.store.List(ctx, rt)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

func decodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.Body, &v); err != nil {
			return nil, fmt.Errorf("decoding %s %s: %w", doc.Type, doc.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Transaction returns the stored transaction with StableId id.
func (l *Ledger) Transaction(ctx context.Context, id string) (domain.Transaction, bool, error) {
	return get[domain.Transaction](ctx, l, domain.RecordTransaction, id)
}

// PutTransaction stores tx under tx.ID.
func (l *Ledger) PutTransaction(ctx context.Context, tx domain.Transaction) error {
	return put(ctx, l, domain.RecordTransaction, tx.ID, tx.Account, tx)
}

func (l *Ledger) Transactions(ctx context.Context) ([]domain.Transaction, error) {
	return list[domain.Transaction](ctx, l, domain.RecordTransaction)
}

// TransactionsByAccount returns the transactions booked on key.
func (l *Ledger) TransactionsByAccount(ctx context.Context, key domain.AccountKey) ([]domain.Transaction, error) {
	docs, err := l.store.QueryByAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	txDocs := docs[:0:0]
	for _, d := range docs {
		if d.Type == domain.RecordTransaction {
			txDocs = append(txDocs, d)
		}
	}
	return decodeAll[domain.Transaction](txDocs)
}

// Account returns the stored account with StableId id.
func (l *Ledger) Account(ctx context.Context, id string) (domain.AccountBalance, bool, error) {
	return get[domain.AccountBalance](ctx, l, domain.RecordAccount, id)
}

// PutAccount stores acc under its AccountKey.
func (l *Ledger) PutAccount(ctx context.Context, acc domain.AccountBalance) error {
	return put(ctx, l, domain.RecordAccount, acc.Account.ID(), acc.Account, acc)
}

func (l *Ledger) Accounts(ctx context.Context) ([]domain.AccountBalance, error) {
	return list[domain.AccountBalance](ctx, l, domain.RecordAccount)
}

func (l *Ledger) Category(ctx context.Context, id string) (domain.Category, bool, error) {
	return get[domain.Category](ctx, l, domain.RecordCategory, id)
}

// PutCategory stores c under id, the normalized category name.
func (l *Ledger) PutCategory(ctx context.Context, id string, c domain.Category) error {
	return put(ctx, l, domain.RecordCategory, id, domain.AccountKey{}, c)
}

func (l *Ledger) Categories(ctx context.Context) ([]domain.Category, error) {
	return list[domain.Category](ctx, l, domain.RecordCategory)
}

func (l *Ledger) Debt(ctx context.Context, id string) (domain.DebtRecord, bool, error) {
	return get[domain.DebtRecord](ctx, l, domain.RecordDebt, id)
}

// PutDebt stores d under id; the debt's resolved account, if any, is indexed
// for QueryByAccount.
func (l *Ledger) PutDebt(ctx context.Context, id string, d domain.DebtRecord) error {
	return put(ctx, l, domain.RecordDebt, id, d.Account, d)
}

// Debts returns every stored debt keyed by StableId.
func (l *Ledger) Debts(ctx context.Context) (map[string]domain.DebtRecord, error) {
	docs, err := l.store.List(ctx, domain.RecordDebt)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.DebtRecord, len(docs))
	for _, doc := range docs {
		var d domain.DebtRecord
		if err := json.Unmarshal(doc.Body, &d); err != nil {
			return nil, fmt.Errorf("decoding debts %s: %w", doc.ID, err)
		}
		out[doc.ID] = d
	}
	return out, nil
}

// AppendBatch writes one entry to the audit log.
func (l *Ledger) AppendBatch(ctx context.Context, batch domain.SyncBatch) error {
	return l.store.AppendBatch(ctx, batch)
}

func (l *Ledger) Batches(ctx context.Context, limit int) ([]domain.SyncBatch, error) {
	return l.store.ListBatches(ctx, limit)
}
