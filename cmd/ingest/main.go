package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/app"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/gcsuploader"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/google/uuid"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "Path to YAML config (or set LEDGER_CONFIG env)")
	gcsURI := flag.String("gcs-uri", "", "GCS URI of an archived upload (e.g. gs://bucket/uploads/2025/01/02/batch-transactions.csv)")
	recordType := flag.String("type", "", "Record type of the upload: transactions, accounts, balances, categories or debts")
	flag.Parse()

	if *gcsURI == "" {
		log.Fatal().Msg("Error: --gcs-uri is required")
	}
	rt, ok := domain.ParseRecordType(*recordType)
	if !ok {
		log.Fatal().Str("type", *recordType).Msg("Error: --type must name a record type")
	}
	bucket, _, err := gcsuploader.ParseGCSURI(*gcsURI)
	if err != nil {
		log.Fatal().Err(err).Msg("Error: invalid --gcs-uri")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = bucket
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, log, app.Options{WithArchive: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	defer a.Close()

	job := &jobs.SyncJob{
		JobID:      uuid.NewString(),
		RecordType: rt,
		SourceURI:  *gcsURI,
		Status:     jobs.JobStatusRunning,
		CreatedAt:  time.Now(),
	}
	log.Info().Str("gcs_uri", *gcsURI).Str("record_type", string(rt)).Msg("Starting ingestion")

	if err := app.SyncJobHandler(a.Gateway, a.Archive)(ctx, job); err != nil {
		log.Fatal().Err(err).Str("batch_id", job.BatchID).Msg("Ingestion failed")
	}

	fmt.Printf("Ingestion completed: batch %s (%s), created %d, updated %d\n",
		job.BatchID, job.SyncStatus, job.Created, job.Updated)
}
