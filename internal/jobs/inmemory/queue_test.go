package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startQueue(t *testing.T, store *Store, handler jobs.JobHandler) *Queue {
	t.Helper()
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), zerolog.Nop()))
	q := NewQueue(store, QueueOptions{Workers: 2, MaxRetries: 2, Backoff: time.Millisecond})
	require.NoError(t, q.Start(ctx, handler))
	t.Cleanup(func() {
		cancel()
		_ = q.Stop(context.Background())
	})
	return q
}

func waitForStatus(t *testing.T, store *Store, id string, want jobs.JobStatus) *jobs.SyncJob {
	t.Helper()
	var job *jobs.SyncJob
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_RetriesTransientFailures(t *testing.T) {
	store := NewStore()
	var calls atomic.Int32
	q := startQueue(t, store, func(ctx context.Context, job *jobs.SyncJob) error {
		if calls.Add(1) == 1 {
			return domain.Unavailable("put", errors.New("connection reset"))
		}
		job.BatchID = "batch-1"
		return nil
	})

	job := &jobs.SyncJob{RecordType: domain.RecordTransaction, SourceURI: "gs://bucket/uploads/a.csv"}
	require.NoError(t, q.PublishSync(context.Background(), job))
	require.NotEmpty(t, job.JobID)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "batch-1", got.BatchID)
	assert.Empty(t, got.Error)
	assert.EqualValues(t, 2, calls.Load())
}

func TestQueue_PermanentFailureIsNotRetried(t *testing.T) {
	store := NewStore()
	var calls atomic.Int32
	q := startQueue(t, store, func(ctx context.Context, job *jobs.SyncJob) error {
		calls.Add(1)
		return domain.InvalidPayload("transactions", "is a string, want an array")
	})

	job := &jobs.SyncJob{RecordType: domain.RecordTransaction}
	require.NoError(t, q.PublishSync(context.Background(), job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, got.Error, "want an array")
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	store := NewStore()
	var calls atomic.Int32
	q := startQueue(t, store, func(ctx context.Context, job *jobs.SyncJob) error {
		calls.Add(1)
		return domain.Unavailable("get", context.DeadlineExceeded)
	})

	job := &jobs.SyncJob{RecordType: domain.RecordDebt}
	require.NoError(t, q.PublishSync(context.Background(), job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 2, got.RetryCount)
	assert.EqualValues(t, 3, calls.Load())
}

func TestQueue_ClosedRejectsPublish(t *testing.T) {
	q := NewQueue(nil, QueueOptions{})
	require.NoError(t, q.Close())
	assert.Error(t, q.PublishSync(context.Background(), &jobs.SyncJob{}))
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)

	for i, j := range []jobs.SyncJob{
		{JobID: "a", RecordType: domain.RecordTransaction, Status: jobs.JobStatusCompleted},
		{JobID: "b", RecordType: domain.RecordTransaction, Status: jobs.JobStatusFailed},
		{JobID: "c", RecordType: domain.RecordDebt, Status: jobs.JobStatusCompleted},
	} {
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveJob(ctx, &j))
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{name: "all newest first", want: []string{"c", "b", "a"}},
		{name: "by record type", filter: jobs.JobFilter{RecordType: domain.RecordTransaction}, want: []string{"b", "a"}},
		{name: "by status", filter: jobs.JobFilter{Status: jobs.JobStatusCompleted}, want: []string{"c", "a"}},
		{name: "limit and offset", filter: jobs.JobFilter{Limit: 1, Offset: 1}, want: []string{"b"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 5}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, j := range got {
				ids = append(ids, j.JobID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.ErrorIs(t, s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""), jobs.ErrJobNotFound)
}
