package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, domain.RecordTransaction, "tx-1")
	assert.ErrorIs(t, err, ErrNotFound)

	body := []byte(`{"id":"tx-1"}`)
	require.NoError(t, s.Put(ctx, Document{Type: domain.RecordTransaction, ID: "tx-1", Body: body}))
	body[2] = 'X' // the store keeps its own copy

	doc, err := s.Get(ctx, domain.RecordTransaction, "tx-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tx-1"}`, string(doc.Body))

	assert.Error(t, s.Put(ctx, Document{Type: domain.RecordDebt}))
}

func TestMemoryStore_BalancesShareAccountsCollection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, Document{Type: domain.RecordBalance, ID: "chase:1", Body: []byte(`{}`)}))

	doc, err := s.Get(ctx, domain.RecordAccount, "chase:1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecordAccount, doc.Type)

	docs, err := s.List(ctx, domain.RecordBalance)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestMemoryStore_QueryByAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := domain.AccountKey{AccountID: "1", Institution: "Chase"}

	require.NoError(t, s.Put(ctx, Document{Type: domain.RecordAccount, ID: key.ID(), Account: key, Body: []byte(`{}`)}))
	require.NoError(t, s.Put(ctx, Document{Type: domain.RecordTransaction, ID: "a", Account: domain.AccountKey{AccountID: "1", Institution: "CHASE"}, Body: []byte(`{}`)}))
	require.NoError(t, s.Put(ctx, Document{Type: domain.RecordTransaction, ID: "b", Account: domain.AccountKey{AccountID: "2"}, Body: []byte(`{}`)}))
	require.NoError(t, s.Put(ctx, Document{Type: domain.RecordCategory, ID: "food", Body: []byte(`{}`)}))

	docs, err := s.QueryByAccount(ctx, key)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, domain.RecordAccount, docs[0].Type)
	assert.Equal(t, "a", docs[1].ID)
}

func TestMemoryStore_Batches(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, s.AppendBatch(ctx, domain.SyncBatch{BatchID: id}))
	}
	assert.ErrorIs(t, s.AppendBatch(ctx, domain.SyncBatch{BatchID: "b2"}), ErrBatchExists)

	got, err := s.ListBatches(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b3", got[0].BatchID)
	assert.Equal(t, "b2", got[1].BatchID)

	all, err := s.ListBatches(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

type flakyStore struct {
	*MemoryStore
	fail  atomic.Bool
	delay time.Duration
	calls atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, rt domain.RecordType, id string) (*Document, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.Get(ctx, rt, id)
}

func TestGuarded_TimeoutIsStoreUnavailable(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), delay: time.Second}
	g := NewGuarded(inner, GuardOptions{Timeout: 20 * time.Millisecond})

	_, err := g.Get(context.Background(), domain.RecordTransaction, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.True(t, domain.IsRetryable(err))
}

func TestGuarded_BreakerOpens(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	inner.fail.Store(true)
	g := NewGuarded(inner, GuardOptions{FailureThreshold: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Get(ctx, domain.RecordTransaction, "x")
		require.Error(t, err)
		assert.False(t, domain.IsRetryable(err), "plain driver errors pass through")
	}

	_, err := g.Get(ctx, domain.RecordTransaction, "x")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, int32(2), inner.calls.Load(), "open breaker must not reach the store")
	assert.Equal(t, "open", g.State())
}

func TestGuarded_NotFoundDoesNotTrip(t *testing.T) {
	g := NewGuarded(NewMemoryStore(), GuardOptions{FailureThreshold: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Get(ctx, domain.RecordDebt, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", g.State())
}

func TestLedger_RoundTrip(t *testing.T) {
	ctx := context.Background()
	l := New(NewGuarded(NewMemoryStore(), GuardOptions{Timeout: time.Second}))

	tx := domain.Transaction{
		ID:          "tx-1",
		Date:        civil.Date{Year: 2025, Month: time.December, Day: 16},
		Description: "Zelle Deposit",
		Amount:      decimal.NewNullDecimal(decimal.RequireFromString("1050.00")),
		Account:     domain.AccountKey{AccountID: "EveryDay Checking"},
		RawCategory: []string{"Transfer"},
		IsLateral:   true,
	}
	require.NoError(t, l.PutTransaction(ctx, tx))

	got, ok, err := l.Transaction(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tx.Date, got.Date)
	assert.True(t, tx.Amount.Decimal.Equal(got.Amount.Decimal))
	assert.Equal(t, tx.RawCategory, got.RawCategory)

	_, ok, err = l.Transaction(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	byAccount, err := l.TransactionsByAccount(ctx, domain.AccountKey{AccountID: "EveryDay Checking"})
	require.NoError(t, err)
	assert.Len(t, byAccount, 1)
}

func TestLedger_Debts(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	require.NoError(t, l.PutDebt(ctx, "debt_visa", domain.DebtRecord{Name: "Visa", IsActive: true}))
	debts, err := l.Debts(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Visa", debts["debt_visa"].Name)
	assert.False(t, debts["debt_visa"].MinimumPayment.Valid)
}
