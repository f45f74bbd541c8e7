package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  int
		name     string
	}{
		{"0001_ledger_records.sql", true, 1, "ledger_records"},
		{"0012_add_index.sql", true, 12, "add_index"},
		{"001_invalid.sql", false, 0, ""},
		{"0001_test", false, 0, ""},
		{"0001.sql", false, 0, ""},
		{"0000_zero.sql", false, 0, ""},
		{"invalid_0001_test.sql", false, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := ParseFilename(tt.filename)
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.version, version)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"bq/0002_second.sql": {Data: []byte("SELECT 2 FROM `{{PROJECT_ID}}.{{DATASET_ID}}.t`")},
		"bq/0001_first.sql":  {Data: []byte("SELECT 1")},
	}

	got, err := Load(fsys, "bq", map[string]string{"PROJECT_ID": "p", "DATASET_ID": "d"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, "second", got[1].Name)
	assert.Equal(t, "SELECT 2 FROM `p.d.t`", got[1].SQL)

	other, err := Load(fsys, "bq", map[string]string{"PROJECT_ID": "x", "DATASET_ID": "y"})
	require.NoError(t, err)
	assert.Equal(t, got[1].Checksum, other[1].Checksum, "checksum ignores placeholder values")

	_, err = Load(fstest.MapFS{"m/notes.txt": {Data: []byte("x")}}, "m", nil)
	assert.ErrorContains(t, err, "invalid migration filename")

	_, err = Load(fstest.MapFS{
		"m/0001_a.sql": {Data: []byte("a")},
		"m/0001_b.sql": {Data: []byte("b")},
	}, "m", nil)
	assert.ErrorContains(t, err, "version 0001")
}

func TestEmbedded(t *testing.T) {
	for _, driver := range []string{"postgres", "bigquery"} {
		t.Run(driver, func(t *testing.T) {
			ms, err := Embedded(driver, map[string]string{"PROJECT_ID": "p", "DATASET_ID": "d"})
			require.NoError(t, err)
			require.NotEmpty(t, ms)
			for i, m := range ms {
				assert.Equal(t, i+1, m.Version, "versions are contiguous")
				assert.NotContains(t, m.SQL, "{{")
			}
			assert.Contains(t, ms[0].SQL, "ledger_records")
		})
	}

	_, err := Embedded("sqlite", nil)
	assert.Error(t, err)
}

func TestPending(t *testing.T) {
	ms := []Migration{
		{Version: 1, Filename: "0001_a.sql", Checksum: "aaa"},
		{Version: 2, Filename: "0002_b.sql", Checksum: "bbb"},
	}

	pending, err := Pending(ms, []Applied{{Version: 1, Checksum: "aaa"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)

	pending, err = Pending(ms, []Applied{{Version: 1}, {Version: 2, Checksum: "bbb"}})
	require.NoError(t, err)
	assert.Empty(t, pending, "rows without a checksum are trusted")

	_, err = Pending(ms, []Applied{{Version: 1, Checksum: "changed"}})
	assert.ErrorIs(t, err, ErrChecksumDrift)
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestRun_Postgres(t *testing.T) {
	ctx := logger.WithContext(context.Background(), zerolog.Nop())
	db, mock := newMockDB(t)

	ms := []Migration{
		{Version: 1, Name: "ledger_records", Filename: "0001_ledger_records.sql", SQL: "CREATE TABLE ledger_records (id TEXT)", Checksum: "c1"},
		{Version: 2, Name: "sync_batches", Filename: "0002_sync_batches.sql", SQL: "CREATE TABLE sync_batches (id TEXT)", Checksum: "c2"},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, name, applied_at, checksum, applied_by").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at", "checksum", "applied_by"}).
			AddRow(1, "ledger_records", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "c1", "migrate"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(ms[1].SQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(2, "sync_batches", "c2", "test").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	report, err := Run(ctx, NewPostgres(db), ms, "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_sync_batches.sql"}, report.Applied)
	assert.Equal(t, 1, report.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PostgresRollsBackFailedMigration(t *testing.T) {
	ctx := logger.WithContext(context.Background(), zerolog.Nop())
	db, mock := newMockDB(t)

	ms := []Migration{{Version: 1, Name: "broken", Filename: "0001_broken.sql", SQL: "CREATE TABLE", Checksum: "c1"}}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at", "checksum", "applied_by"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	report, err := Run(ctx, NewPostgres(db), ms, "test")
	assert.ErrorContains(t, err, "0001_broken.sql")
	assert.Empty(t, report.Applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RefusesDrift(t *testing.T) {
	ctx := logger.WithContext(context.Background(), zerolog.Nop())
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at", "checksum", "applied_by"}).
			AddRow(1, "a", time.Now(), "old", "migrate"))

	_, err := Run(ctx, NewPostgres(db), []Migration{{Version: 1, Filename: "0001_a.sql", Checksum: "new"}}, "test")
	assert.ErrorIs(t, err, ErrChecksumDrift)
	assert.NoError(t, mock.ExpectationsWereMet())
}
