package gateway

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantTypes   []domain.RecordType
		wantErr     bool
		wantSection string
	}{
		{name: "all sections", body: `{"accounts":[],"balances":[],"categories":[],"transactions":[],"debts":[]}`,
			wantTypes: []domain.RecordType{domain.RecordAccount, domain.RecordBalance, domain.RecordCategory, domain.RecordTransaction, domain.RecordDebt}},
		{name: "only transactions", body: `{"transactions":[{"Amount":1}]}`, wantTypes: []domain.RecordType{domain.RecordTransaction}},
		{name: "null section", body: `{"transactions":[],"balances":null}`, wantErr: true, wantSection: "balances"},
		{name: "unknown keys ignored", body: `{"meta":{"client":"sheet"},"balances":[]}`, wantTypes: []domain.RecordType{domain.RecordBalance}},
		{name: "empty object", body: `{}`},
		{name: "top-level array", body: `[{"transactions":[]}]`, wantErr: true},
		{name: "top-level string", body: `"hello"`, wantErr: true},
		{name: "section is an object", body: `{"transactions":{"0":{}}}`, wantErr: true, wantSection: "transactions"},
		{name: "section is a number", body: `{"debts":5}`, wantErr: true, wantSection: "debts"},
		{name: "two keys for one type", body: `{"transactions":[],"txns":[]}`, wantErr: true},
		{name: "malformed", body: `{"transactions":[`, wantErr: true},
		{name: "trailing data", body: `{} {}`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidPayloadShape)
				assert.False(t, domain.IsRetryable(err))
				if tt.wantSection != "" {
					var pe *domain.InvalidPayloadError
					require.ErrorAs(t, err, &pe)
					assert.Equal(t, tt.wantSection, pe.Section)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTypes, p.Types())
		})
	}
}

func testContext() context.Context {
	return logger.WithContext(context.Background(), zerolog.Nop())
}

func newGateway(store ledger.Store, maxRetries int) *Gateway {
	engine := reconcile.New(ledger.New(store), classifier.Default(), reconcile.Options{})
	return New(engine, Options{MaxRetries: maxRetries})
}

const livePayload = `{
  "transactions": [
    {"Date": "12/16/2025", "Description": "Zelle Deposit", "Amount": 1050.00, "Account": "EveryDay Checking"},
    {"Transaction ID": "t-2", "Date": "12/17/2025", "Description": "Trader Joe's", "Amount": -62.10, "Account": "EveryDay Checking", "Category": "Groceries"}
  ],
  "balances": [
    {"Account": "EveryDay Checking", "Institution": "Wells Fargo", "Balance": 4210.55, "Type": "Checking"}
  ],
  "debts": [
    [true, "Visa Platinum", null, 0.18, 183, 2, 7398, 7397.56]
  ]
}`

func TestSync_LivePush(t *testing.T) {
	ctx := testContext()
	store := ledger.NewMemoryStore()
	g := newGateway(store, 0)

	res, err := g.Sync(ctx, []byte(livePayload))
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status, "orphan debt is a warning")
	assert.Equal(t, domain.SourceLivePush, res.SourceKind)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, res.Orphans, 1)
	assert.Equal(t, "Visa Platinum", res.Orphans[0].DebtName)
	assert.Contains(t, res.Warnings[0], "Visa Platinum")
	assert.Equal(t, reconcile.OutcomeWarning, res.PerType[domain.RecordDebt].Outcome)
	assert.Equal(t, reconcile.OutcomeSuccess, res.PerType[domain.RecordTransaction].Outcome)

	batches, err := store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, res.BatchID, batches[0].BatchID)
	assert.Equal(t, "partial", batches[0].Status)
	assert.Equal(t, map[domain.RecordType]int{
		domain.RecordTransaction: 2,
		domain.RecordBalance:     1,
		domain.RecordDebt:        1,
	}, batches[0].RecordCounts)

	again, err := g.Sync(ctx, []byte(livePayload))
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, again.Updated, again.Unchanged)
	require.Len(t, again.Orphans, 1, "the debt arrived again and is still unlinked")
	assert.Equal(t, StatusPartial, again.Status)
}

func TestSync_ShapeErrorWritesNothing(t *testing.T) {
	ctx := testContext()
	store := ledger.NewMemoryStore()
	g := newGateway(store, 0)

	_, err := g.Sync(ctx, []byte(`{"transactions":[{"Amount":1,"Date":"2025-01-01"}],"balances":{"Account":"x"}}`))
	require.ErrorIs(t, err, domain.ErrInvalidPayloadShape)

	docs, err := store.List(ctx, domain.RecordTransaction)
	require.NoError(t, err)
	assert.Empty(t, docs)
	batches, err := store.ListBatches(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

// flakyStore fails the first n writes to one collection with a transient
// error.
type flakyStore struct {
	ledger.Store
	failOn domain.RecordType
	left   atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, doc ledger.Document) error {
	if doc.Type.Collection() == s.failOn && s.left.Add(-1) >= 0 {
		return domain.Unavailable("put", errors.New("i/o timeout"))
	}
	return s.Store.Put(ctx, doc)
}

func TestSync_RetriesOnlyFailedSections(t *testing.T) {
	ctx := testContext()
	store := &flakyStore{Store: ledger.NewMemoryStore(), failOn: domain.RecordTransaction}
	store.left.Store(1)
	g := newGateway(store, 2)

	res, err := g.Sync(ctx, []byte(`{
		"transactions": [{"Transaction ID": "t-1", "Date": "2025-12-01", "Amount": -5, "Account": "Checking"}],
		"categories": [{"Category": "Dining", "Type": "Expense"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.PerType[domain.RecordTransaction].Created)
	assert.Equal(t, 1, res.PerType[domain.RecordCategory].Created, "categories are not re-applied")

	batches, err := store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 1, "one audit entry per sync, retries included")
}

func TestSync_AllSectionsUnavailable(t *testing.T) {
	ctx := testContext()
	store := &flakyStore{Store: ledger.NewMemoryStore(), failOn: domain.RecordTransaction}
	store.left.Store(100)
	g := newGateway(store, 2)

	res, err := g.Sync(ctx, []byte(`{"transactions": [{"Transaction ID": "t-1", "Amount": 1}]}`))
	require.NoError(t, err)

	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Message, "transactions failed")
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, res.Attempts)
	assert.True(t, res.PerType[domain.RecordTransaction].Retryable)
}

func TestUpload_JSONRows(t *testing.T) {
	ctx := testContext()
	g := newGateway(ledger.NewMemoryStore(), 0)

	res, err := g.Upload(ctx, domain.RecordCategory, []byte(`[{"Category":"Paycheck","Group":"Income","Type":"Income"},{"Group":"Income"}]`))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceUpload, res.SourceKind)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.RowErrors, 1)
	assert.Equal(t, domain.RowMissingField, res.RowErrors[0].Kind)
	assert.Equal(t, StatusPartial, res.Status)

	_, err = g.Upload(ctx, domain.RecordCategory, []byte(`{"Category":"Paycheck"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayloadShape)
}

func TestUploadCSV(t *testing.T) {
	ctx := testContext()
	store := ledger.NewMemoryStore()
	g := newGateway(store, 0)

	csv := strings.Join([]string{
		"Date,Description,Category,Amount,Account,Institution,Category",
		"12/16/2025,Zelle Deposit,Transfer,1050.00,EveryDay Checking,Wells Fargo,Internal",
		"12/16/2025,ZELLE deposit ,Transfer,1050,EveryDay Checking,Wells Fargo,Internal",
		"12/18/2025,Payroll,Paycheck,\"3,200.00\",EveryDay Checking,Wells Fargo,",
	}, "\n")

	res, err := g.UploadCSV(ctx, domain.RecordTransaction, strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Updated)

	txs, err := ledger.New(store).Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		if tx.Description == "Payroll" {
			assert.False(t, tx.IsLateral)
			continue
		}
		assert.True(t, tx.IsLateral)
		assert.Equal(t, []string{"Transfer", "Internal"}, tx.RawCategory)
	}
}
