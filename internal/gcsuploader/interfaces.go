package gcsuploader

import (
	"context"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Archive keeps the raw bytes of uploaded files so a batch can be replayed
// or reconciled asynchronously.
type Archive interface {
	// Store writes data for one upload and returns its gs:// URI.
	Store(ctx context.Context, batchID string, rt domain.RecordType, ext string, data []byte) (string, error)

	// Fetch downloads the object behind a gs:// URI.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// ObjectStore is the slice of Cloud Storage the archive needs. It enables
// mocking in tests.
type ObjectStore interface {
	Write(ctx context.Context, bucket, object, contentType string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}
