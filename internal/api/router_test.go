package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/gateway"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/finance-reconciler/internal/ledger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockArchive struct {
	StoreFunc func(ctx context.Context, batchID string, rt domain.RecordType, ext string, data []byte) (string, error)
	FetchFunc func(ctx context.Context, uri string) ([]byte, error)
}

func (m *mockArchive) Store(ctx context.Context, batchID string, rt domain.RecordType, ext string, data []byte) (string, error) {
	if m.StoreFunc != nil {
		return m.StoreFunc(ctx, batchID, rt, ext, data)
	}
	return "", nil
}

func (m *mockArchive) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, uri)
	}
	return nil, nil
}

type mockPublisher struct {
	published []*jobs.SyncJob
}

func (m *mockPublisher) PublishSync(ctx context.Context, job *jobs.SyncJob) error {
	job.JobID = "job-1"
	job.Status = jobs.JobStatusPending
	m.published = append(m.published, job)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

// downStore fails every write with a transient error.
type downStore struct {
	ledger.Store
}

func (downStore) Put(context.Context, ledger.Document) error {
	return domain.Unavailable("put", errors.New("connection refused"))
}

func newTestDeps(store ledger.Store) Deps {
	engine := reconcile.New(ledger.New(store), classifier.Default(), reconcile.Options{})
	return Deps{
		Gateway: gateway.New(engine, gateway.Options{}),
		Server:  config.ServerConfig{MaxBodyBytes: 1 << 20},
		Log:     zerolog.Nop(),
	}
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const syncBody = `{
  "transactions": [
    {"Transaction ID": "t-1", "Date": "2025-12-16", "Description": "Payroll", "Amount": 3200, "Account": "EveryDay Checking", "Category": "Paycheck"},
    {"Transaction ID": "t-2", "Date": "2025-12-17", "Description": "Trader Joe's", "Amount": -62.10, "Account": "EveryDay Checking", "Category": "Groceries"}
  ],
  "balances": [
    {"Account": "EveryDay Checking", "Institution": "Wells Fargo", "Balance": 4210.55, "Type": "Checking"}
  ]
}`

func TestRouter_SyncThenRead(t *testing.T) {
	h := NewRouter(newTestDeps(ledger.NewMemoryStore()))

	rec := do(t, h, http.MethodPost, "/api/finance/sync", "application/json", syncBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode(t, rec)
	assert.Equal(t, "success", res["status"])
	assert.EqualValues(t, 3, res["created"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	tests := []struct {
		name      string
		target    string
		key       string
		wantCount int
	}{
		{name: "all transactions", target: "/api/finance/transactions", key: "transactions", wantCount: 2},
		{name: "from a start date", target: "/api/finance/transactions?start=2025-12-17", key: "transactions", wantCount: 1},
		{name: "accounts", target: "/api/finance/accounts", key: "accounts", wantCount: 1},
		{name: "debts", target: "/api/finance/debts", key: "debts", wantCount: 0},
		{name: "batches", target: "/api/finance/batches?limit=5", key: "batches", wantCount: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, "", "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.EqualValues(t, tt.wantCount, body["count"])
			assert.Len(t, body[tt.key], tt.wantCount)
		})
	}

	rec = do(t, h, http.MethodGet, "/api/finance/surplus?start=2025-12-01&end=2025-12-31", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	surplus := decode(t, rec)
	assert.Equal(t, "3137.9", surplus["surplus_basis"])
	assert.EqualValues(t, 2, surplus["transactions"])

	rec = do(t, h, http.MethodGet, "/api/finance/summary", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRouter_TxnsAlias(t *testing.T) {
	h := NewRouter(newTestDeps(ledger.NewMemoryStore()))
	rec := do(t, h, http.MethodPost, "/api/finance/txns/sync", "application/json", `{"transactions":[]}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRouter_ErrorStatuses(t *testing.T) {
	h := NewRouter(newTestDeps(ledger.NewMemoryStore()))

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantKind   string
		wantMsg    string
	}{
		{name: "payload is an array", method: http.MethodPost, target: "/api/finance/sync", body: `[1]`, wantStatus: http.StatusBadRequest, wantKind: "fail"},
		{name: "section is a string", method: http.MethodPost, target: "/api/finance/sync", body: `{"debts":"x"}`, wantStatus: http.StatusBadRequest, wantKind: "fail", wantMsg: "debts"},
		{name: "unknown record type", method: http.MethodPost, target: "/api/finance/uploads/widgets", body: `[]`, wantStatus: http.StatusBadRequest, wantKind: "fail"},
		{name: "bad date", method: http.MethodGet, target: "/api/finance/surplus?start=12/01/2025", wantStatus: http.StatusBadRequest, wantKind: "fail", wantMsg: "start"},
		{name: "end before start", method: http.MethodGet, target: "/api/finance/surplus?start=2025-12-02&end=2025-12-01", wantStatus: http.StatusBadRequest, wantKind: "fail"},
		{name: "bad limit", method: http.MethodGet, target: "/api/finance/batches?limit=-1", wantStatus: http.StatusBadRequest, wantKind: "fail"},
		{name: "async not configured", method: http.MethodPost, target: "/api/finance/uploads/transactions/async", body: `{}`, wantStatus: http.StatusNotImplemented, wantKind: "error"},
		{name: "unknown route", method: http.MethodGet, target: "/nope", wantStatus: http.StatusNotFound, wantKind: "fail", wantMsg: "Can't find /nope on this server!"},
		{name: "wrong method", method: http.MethodGet, target: "/api/finance/sync", wantStatus: http.StatusMethodNotAllowed, wantKind: "fail"},
		{name: "wrong method on upload", method: http.MethodDelete, target: "/api/finance/uploads/transactions", wantStatus: http.StatusMethodNotAllowed, wantKind: "fail"},
		{name: "unknown finance route", method: http.MethodGet, target: "/api/finance/nope", wantStatus: http.StatusNotFound, wantKind: "fail", wantMsg: "Can't find /api/finance/nope on this server!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, "application/json", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, tt.wantKind, body["status"])
			if tt.wantMsg != "" {
				assert.Contains(t, body["message"], tt.wantMsg)
			}
		})
	}
}

func TestRouter_BodyTooLarge(t *testing.T) {
	d := newTestDeps(ledger.NewMemoryStore())
	d.Server.MaxBodyBytes = 16
	h := NewRouter(d)

	rec := do(t, h, http.MethodPost, "/api/finance/sync", "application/json", syncBody)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
}

func TestRouter_StoreDownIsRetryable(t *testing.T) {
	h := NewRouter(newTestDeps(downStore{Store: ledger.NewMemoryStore()}))

	rec := do(t, h, http.MethodPost, "/api/finance/sync", "application/json",
		`{"transactions":[{"Transaction ID":"t-1","Date":"2025-12-01","Amount":-5,"Account":"Checking"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	res := decode(t, rec)
	assert.Equal(t, "fail", res["status"])
	assert.Contains(t, res["message"], "transactions failed")
	assert.Equal(t, true, res["retryable"])
}

func TestRouter_UploadCSVIsArchived(t *testing.T) {
	var archived []byte
	var gotExt string
	d := newTestDeps(ledger.NewMemoryStore())
	d.Archive = &mockArchive{
		StoreFunc: func(ctx context.Context, batchID string, rt domain.RecordType, ext string, data []byte) (string, error) {
			archived, gotExt = data, ext
			return "gs://uploads/" + batchID + "-" + string(rt) + "." + ext, nil
		},
	}
	h := NewRouter(d)

	csv := "Category,Group,Type\nDining,Food,Expense\nTransfers,,Transfer\n"
	rec := do(t, h, http.MethodPost, "/api/finance/uploads/categories", "text/csv; charset=utf-8", csv)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode(t, rec)
	assert.EqualValues(t, 2, res["created"])
	assert.Equal(t, "upload", res["source_kind"])
	assert.Contains(t, res["archive_uri"], "-categories.csv")
	assert.Equal(t, "csv", gotExt)
	assert.Equal(t, csv, string(archived))
}

func TestRouter_UploadArchiveFailureStillSucceeds(t *testing.T) {
	d := newTestDeps(ledger.NewMemoryStore())
	d.Archive = &mockArchive{
		StoreFunc: func(context.Context, string, domain.RecordType, string, []byte) (string, error) {
			return "", errors.New("bucket missing")
		},
	}
	h := NewRouter(d)

	rec := do(t, h, http.MethodPost, "/api/finance/uploads/categories", "application/json", `[{"Category":"Dining"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode(t, rec)
	assert.Nil(t, res["archive_uri"])
}

func TestRouter_UploadAsync(t *testing.T) {
	pub := &mockPublisher{}
	d := newTestDeps(ledger.NewMemoryStore())
	d.Publisher = pub
	h := NewRouter(d)

	rec := do(t, h, http.MethodPost, "/api/finance/uploads/txns/async", "application/json", `{"gcs_uri":"gs://bucket/uploads/a.csv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "pending", body["status"])
	require.Len(t, pub.published, 1)
	assert.Equal(t, domain.RecordTransaction, pub.published[0].RecordType)

	rec = do(t, h, http.MethodPost, "/api/finance/uploads/transactions/async", "application/json", `{"gcs_uri":"https://example.com/a.csv"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, pub.published, 1)
}

func TestRouter_Rules(t *testing.T) {
	h := NewRouter(newTestDeps(ledger.NewMemoryStore()))

	rec := do(t, h, http.MethodPost, "/api/finance/sync", "application/json", syncBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/finance/reclassify", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["examined"])

	rules := `version: 7
rules:
  - name: groceries-are-lateral
    lateral: true
    when:
      - fields: [category]
        equals: [groceries]
`
	rec = do(t, h, http.MethodPost, "/api/finance/rules/reload", "application/yaml", rules)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 7, decode(t, rec)["version"])

	rec = do(t, h, http.MethodPost, "/api/finance/reclassify", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["changed"])

	rec = do(t, h, http.MethodPost, "/api/finance/rules/reload", "application/yaml", "rules:\n  - lateral: true\n")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/finance/rules/reload", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "default", decode(t, rec)["source"])
}

func TestRouter_Jobs(t *testing.T) {
	store := inmemory.NewStore()
	require.NoError(t, store.SaveJob(context.Background(), &jobs.SyncJob{
		JobID:      "j-1",
		RecordType: domain.RecordDebt,
		Status:     jobs.JobStatusCompleted,
		CreatedAt:  time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	}))
	d := newTestDeps(ledger.NewMemoryStore())
	d.JobStore = store
	h := NewRouter(d)

	rec := do(t, h, http.MethodGet, "/api/jobs/j-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"j-1"`)

	rec = do(t, h, http.MethodGet, "/api/jobs/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/jobs?record_type=debts&status=completed", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/jobs?limit=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	prom := metrics.NewPrometheus()
	d := newTestDeps(ledger.NewMemoryStore())
	d.Metrics = prom
	d.MetricsHandler = prom.Handler()
	d.StoreState = func() string { return "closed" }
	h := NewRouter(d)

	rec := do(t, h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "closed", body["store"])

	rec = do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/health"`)
}

func TestRouter_RateLimit(t *testing.T) {
	d := newTestDeps(ledger.NewMemoryStore())
	d.Server.RateLimitRPS = 0.001
	d.Server.RateLimitBurst = 1
	h := NewRouter(d)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "", "").Code)
	rec := do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := NewRouter(newTestDeps(ledger.NewMemoryStore()))
	req := httptest.NewRequest(http.MethodOptions, "/api/finance/sync", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
