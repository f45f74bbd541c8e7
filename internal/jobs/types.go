// Package jobs models asynchronous upload reconciliation: an uploaded file
// already stored in the archive is fetched and reconciled by a worker.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// ErrJobNotFound is returned by a JobStore for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeSyncUpload reconciles an archived upload.
	JobTypeSyncUpload JobType = "sync_upload"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed transiently and will run again.
	JobStatusRetrying JobStatus = "retrying"
)

// SyncJob reconciles one uploaded file of a single record type.
type SyncJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// RecordType is the record type of every row in the file.
	RecordType domain.RecordType `json:"record_type"`

	// SourceURI is the gs:// URI of the archived upload.
	SourceURI string `json:"source_uri"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// BatchID is set once the upload has been reconciled.
	BatchID string `json:"batch_id,omitempty"`

	// SyncStatus is the gateway status of the reconciled batch.
	SyncStatus string `json:"sync_status,omitempty"`

	Created int `json:"created"`
	Updated int `json:"updated"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the last run failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *SyncJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *SyncJob) GetType() JobType {
	return JobTypeSyncUpload
}

// GetStatus implements the Job interface.
func (j *SyncJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishSync(ctx context.Context, job *SyncJob) error
	Close() error
}

// Consumer runs queued jobs through a handler.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. Failures that satisfy domain.IsRetryable are
// retried; any other error fails the job for good.
type JobHandler func(ctx context.Context, job *SyncJob) error

// JobStore keeps job state for the status endpoints.
type JobStore interface {
	SaveJob(ctx context.Context, job *SyncJob) error
	GetJob(ctx context.Context, jobID string) (*SyncJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	RecordType domain.RecordType
	Status     JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
