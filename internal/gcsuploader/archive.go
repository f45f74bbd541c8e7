// Package gcsuploader archives raw uploads in Google Cloud Storage and fetches
// them back for asynchronous reconciliation.
package gcsuploader

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

// ErrObjectNotFound is returned by Fetch when the object does not exist.
var ErrObjectNotFound = errors.New("gcs object not found")

// GCSArchive stores uploads under uploads/<yyyy>/<mm>/<dd>/<batch>-<type>.<ext>.
type GCSArchive struct {
	objects ObjectStore
	bucket  string
	now     func() time.Time
}

// NewGCSArchive builds an archive writing to bucket.
func NewGCSArchive(objects ObjectStore, bucket string) *GCSArchive {
	return &GCSArchive{objects: objects, bucket: bucket, now: time.Now}
}

// ObjectPath returns the object name of an upload received at t.
func ObjectPath(t time.Time, batchID string, rt domain.RecordType, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "json"
	}
	return path.Join("uploads", t.UTC().Format("2006/01/02"), fmt.Sprintf("%s-%s.%s", batchID, rt, ext))
}

// Store implements Archive.
func (a *GCSArchive) Store(ctx context.Context, batchID string, rt domain.RecordType, ext string, data []byte) (string, error) {
	object := ObjectPath(a.now(), batchID, rt, ext)
	if err := a.objects.Write(ctx, a.bucket, object, ContentType(ext), data); err != nil {
		return "", fmt.Errorf("Store: %w", err)
	}

	uri := "gs://" + a.bucket + "/" + object
	log := logger.FromContext(ctx)
	log.Debug().Str("uri", uri).Int("bytes", len(data)).Msg("Archived upload")
	return uri, nil
}

// Fetch implements Archive. Failures other than a missing object are
// reported as retryable.
func (a *GCSArchive) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := a.objects.Read(ctx, bucket, object)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	if err != nil {
		return nil, domain.Unavailable("gcs fetch", err)
	}
	return data, nil
}

// ParseGCSURI splits gs://bucket/path/to/object into bucket and object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// ExtractFilenameFromGCSURI extracts the filename from a GCS URI.
// e.g., "gs://bucket/uploads/2025/12/01/b-transactions.csv" → "b-transactions.csv"
func ExtractFilenameFromGCSURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}

// ContentType maps an upload extension to its MIME type.
func ContentType(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "csv":
		return "text/csv"
	case "json", "":
		return "application/json"
	}
	return "application/octet-stream"
}
