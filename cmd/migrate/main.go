package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/migrate"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	configPath = flag.String("config", os.Getenv("LEDGER_CONFIG"), "Path to YAML config (or set LEDGER_CONFIG env)")
	driver     = flag.String("driver", "", "postgres or bigquery (defaults to store.driver)")
	appliedBy  = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	dryRun     = flag.Bool("dry-run", false, "List pending migrations without applying them")
)

func main() {
	flag.Parse()

	log := logger.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	d := *driver
	if d == "" {
		d = cfg.Store.Driver
	}

	target, closeFn, err := openTarget(ctx, d, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer closeFn()

	ms, err := migrate.Embedded(d, templateVars(cfg.Store))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Str("driver", d).Int("files", len(ms)).Msg("Found migrations")

	if *dryRun {
		if err := target.EnsureTable(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure schema_migrations")
		}
		applied, err := target.Applied(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read applied migrations")
		}
		pending, err := migrate.Pending(ms, applied)
		if err != nil {
			log.Fatal().Err(err).Msg("Schema drift")
		}
		for _, m := range pending {
			fmt.Printf("  [PENDING] %s\n", m.Filename)
		}
		fmt.Printf("%d pending migration(s)\n", len(pending))
		return
	}

	report, err := migrate.Run(ctx, target, ms, *appliedBy)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	for _, f := range report.Applied {
		fmt.Printf("  [OK]   %s\n", f)
	}
	fmt.Printf("Applied %d, skipped %d\n", len(report.Applied), report.Skipped)
}

func openTarget(ctx context.Context, driver string, sc config.StoreConfig) (migrate.Target, func() error, error) {
	switch driver {
	case "postgres":
		if sc.DSN == "" {
			return nil, nil, fmt.Errorf("store.dsn (or DATABASE_URL) is required for postgres")
		}
		db, err := sqlx.ConnectContext(ctx, "postgres", sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return migrate.NewPostgres(db), db.Close, nil
	case "bigquery":
		if sc.ProjectID == "" {
			return nil, nil, fmt.Errorf("store.project_id (or GCP_PROJECT) is required for bigquery")
		}
		client, err := bigquery.NewClient(ctx, sc.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("creating BigQuery client: %w", err)
		}
		return migrate.NewBigQuery(client, sc.ProjectID, sc.Dataset), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("driver %q has no schema to migrate", driver)
	}
}

// templateVars fills the {{PROJECT_ID}} and {{DATASET_ID}} placeholders of
// the BigQuery migrations.
func templateVars(sc config.StoreConfig) map[string]string {
	return map[string]string{
		"PROJECT_ID": sc.ProjectID,
		"DATASET_ID": sc.Dataset,
	}
}
