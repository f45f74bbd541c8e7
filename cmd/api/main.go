package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/api"
	"github.com/dvloznov/finance-reconciler/internal/app"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/jobs"
	"github.com/dvloznov/finance-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "Path to YAML config (or set LEDGER_CONFIG env)")
	flag.Parse()

	bootLog := logger.New()
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	log, err := logger.NewWithOptions(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to build logger")
	}
	ctx := logger.WithContext(context.Background(), log)

	prom := metrics.NewPrometheus()
	a, err := app.New(ctx, cfg, log, app.Options{Metrics: prom, WithArchive: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize reconciler")
	}
	defer a.Close()

	// Async uploads need somewhere to fetch the file from.
	var (
		jobStore  jobs.JobStore
		publisher jobs.Publisher
		jobQueue  *inmemory.Queue
	)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if a.Archive != nil {
		store := inmemory.NewStore()
		jobQueue = inmemory.NewQueue(store, inmemory.QueueOptions{
			MaxRetries: cfg.Sync.MaxRetries,
			Backoff:    cfg.Sync.RetryBackoff,
		})
		if err := jobQueue.Start(workerCtx, app.SyncJobHandler(a.Gateway, a.Archive)); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job worker")
		}
		jobStore, publisher = store, jobQueue
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Async uploads enabled")
	} else {
		log.Warn().Msg("No archive bucket configured - uploads are not archived and async uploads are disabled")
	}

	handler := api.NewRouter(api.Deps{
		Gateway:        a.Gateway,
		Archive:        a.Archive,
		Publisher:      publisher,
		JobStore:       jobStore,
		RulesPath:      cfg.Classifier.RulesPath,
		Metrics:        prom,
		MetricsHandler: prom.Handler(),
		StoreState:     a.Store.State,
		Server:         cfg.Server,
		Log:            log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if jobQueue != nil {
		cancelWorker()
		if err := jobQueue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping job queue")
		}
		if err := jobQueue.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close job queue")
		}
	}

	log.Info().Msg("Server exited")
}
