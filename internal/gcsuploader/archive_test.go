package gcsuploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockObjectStore struct {
	WriteFunc func(ctx context.Context, bucket, object, contentType string, data []byte) error
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, error)
}

func (m *mockObjectStore) Write(ctx context.Context, bucket, object, contentType string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, contentType, data)
	}
	return nil
}

func (m *mockObjectStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	return nil, nil
}

func TestGCSArchive_Store(t *testing.T) {
	var gotBucket, gotObject, gotType string
	objects := &mockObjectStore{
		WriteFunc: func(ctx context.Context, bucket, object, contentType string, data []byte) error {
			gotBucket, gotObject, gotType = bucket, object, contentType
			return nil
		},
	}
	a := NewGCSArchive(objects, "ledger-uploads")
	a.now = func() time.Time { return time.Date(2025, 12, 16, 23, 30, 0, 0, time.UTC) }

	uri, err := a.Store(context.Background(), "b-1", domain.RecordTransaction, ".CSV", []byte("Date,Amount\n"))
	require.NoError(t, err)

	assert.Equal(t, "gs://ledger-uploads/uploads/2025/12/16/b-1-transactions.csv", uri)
	assert.Equal(t, "ledger-uploads", gotBucket)
	assert.Equal(t, "uploads/2025/12/16/b-1-transactions.csv", gotObject)
	assert.Equal(t, "text/csv", gotType)
}

func TestGCSArchive_StoreError(t *testing.T) {
	a := NewGCSArchive(&mockObjectStore{
		WriteFunc: func(context.Context, string, string, string, []byte) error { return errors.New("403 forbidden") },
	}, "b")
	_, err := a.Store(context.Background(), "b-1", domain.RecordDebt, "json", nil)
	assert.ErrorContains(t, err, "403 forbidden")
}

func TestGCSArchive_Fetch(t *testing.T) {
	tests := []struct {
		name          string
		uri           string
		readErr       error
		wantErr       bool
		wantRetryable bool
	}{
		{name: "ok", uri: "gs://bucket/uploads/a.json"},
		{name: "not a gs uri", uri: "https://bucket/a.json", wantErr: true},
		{name: "no object", uri: "gs://bucket", wantErr: true},
		{name: "missing object", uri: "gs://bucket/a.json", readErr: ErrObjectNotFound, wantErr: true},
		{name: "transient", uri: "gs://bucket/a.json", readErr: errors.New("503 backend error"), wantErr: true, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewGCSArchive(&mockObjectStore{
				ReadFunc: func(ctx context.Context, bucket, object string) ([]byte, error) {
					if tt.readErr != nil {
						return nil, tt.readErr
					}
					return []byte(bucket + "/" + object), nil
				},
			}, "bucket")

			data, err := a.Fetch(context.Background(), tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantRetryable, domain.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "bucket/uploads/a.json", string(data))
		})
	}
}

func TestExtractFilenameFromGCSURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"gs://bucket/uploads/2025/12/16/b-1-debts.csv", "b-1-debts.csv"},
		{"gs://bucket/file.json", "file.json"},
		{"gs://bucket", "bucket"},
	}
	for _, tt := range tests {
		if got := ExtractFilenameFromGCSURI(tt.uri); got != tt.want {
			t.Errorf("ExtractFilenameFromGCSURI(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}
