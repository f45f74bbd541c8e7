package app

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/gateway"
	"github.com/dvloznov/finance-reconciler/internal/gcsuploader"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/logger"
)

// SyncJobHandler reconciles archived uploads. A .csv object is read as a CSV
// export, anything else as a JSON array of rows. A batch whose sections all
// failed retryably is returned as a retryable error so the queue runs it
// again.
func SyncJobHandler(gw *gateway.Gateway, archive gcsuploader.Archive) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.SyncJob) error {
		log := logger.FromContext(ctx)

		data, err := archive.Fetch(ctx, job.SourceURI)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", job.SourceURI, err)
		}

		var res *gateway.SyncResult
		ext := strings.ToLower(path.Ext(gcsuploader.ExtractFilenameFromGCSURI(job.SourceURI)))
		if ext == ".csv" {
			res, err = gw.UploadCSV(ctx, job.RecordType, bytes.NewReader(data))
		} else {
			res, err = gw.Upload(ctx, job.RecordType, data)
		}
		if err != nil {
			return err
		}

		job.BatchID = res.BatchID
		job.SyncStatus = string(res.Status)
		job.Created = res.Created
		job.Updated = res.Updated

		log.Info().
			Str("batch_id", res.BatchID).
			Str("status", string(res.Status)).
			Int("created", res.Created).
			Int("updated", res.Updated).
			Int("row_errors", len(res.RowErrors)).
			Msg("Archived upload reconciled")

		if res.Status == gateway.StatusFail {
			err := fmt.Errorf("batch %s failed: %s", res.BatchID, strings.Join(res.Warnings, "; "))
			if res.Retryable {
				return domain.Unavailable("sync job", err)
			}
			return err
		}
		return nil
	}
}
