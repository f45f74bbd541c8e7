package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/app"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/notionsync"
)

func main() {
	log := logger.New()

	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "Path to YAML config (or set LEDGER_CONFIG env)")
	startDateStr := flag.String("start-date", "", "Only mirror transactions on or after YYYY-MM-DD")
	endDateStr := flag.String("end-date", "", "Only mirror transactions on or before YYYY-MM-DD")
	notionToken := flag.String("notion-token", "", "Notion API token (overrides notion.token)")
	txnDBID := flag.String("transactions-db-id", "", "Notion transactions database ID (overrides notion.transactions_db_id)")
	accountsDBID := flag.String("accounts-db-id", "", "Notion accounts database ID (overrides notion.accounts_db_id)")
	dryRun := flag.Bool("dry-run", false, "Dry run mode - preview changes without syncing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Notion.Token, *notionToken)
	override(&cfg.Notion.TransactionsDBID, *txnDBID)
	override(&cfg.Notion.AccountsDBID, *accountsDBID)

	if cfg.Notion.Token == "" {
		log.Fatal().Msg("Error: a Notion token is required (--notion-token or NOTION_TOKEN)")
	}
	if cfg.Notion.TransactionsDBID == "" && cfg.Notion.AccountsDBID == "" {
		log.Fatal().Msg("Error: at least one of --transactions-db-id or --accounts-db-id is required")
	}

	var start, end civil.Date
	if *startDateStr != "" {
		if start, err = civil.ParseDate(*startDateStr); err != nil {
			log.Fatal().Err(err).Str("start_date", *startDateStr).Msg("Error: invalid start-date format, expected YYYY-MM-DD")
		}
	}
	if *endDateStr != "" {
		if end, err = civil.ParseDate(*endDateStr); err != nil {
			log.Fatal().Err(err).Str("end_date", *endDateStr).Msg("Error: invalid end-date format, expected YYYY-MM-DD")
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		log.Fatal().
			Str("start_date", *startDateStr).
			Str("end_date", *endDateStr).
			Msg("Error: end-date must be after start-date")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger")
	}
	defer a.Close()

	mirror := notionsync.NewMirror(notionsync.NewNotionClient(cfg.Notion.Token), a.Ledger, notionsync.Options{
		TransactionsDB: cfg.Notion.TransactionsDBID,
		AccountsDB:     cfg.Notion.AccountsDBID,
		DryRun:         *dryRun,
	})

	log.Info().
		Str("start_date", *startDateStr).
		Str("end_date", *endDateStr).
		Bool("dry_run", *dryRun).
		Msg("Starting Notion sync")

	if cfg.Notion.AccountsDBID != "" {
		stats, err := mirror.SyncAccounts(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Account sync failed")
		}
		fmt.Printf("Accounts:     %+v\n", stats)
	}
	if cfg.Notion.TransactionsDBID != "" {
		stats, err := mirror.SyncTransactions(ctx, start, end)
		if err != nil {
			log.Fatal().Err(err).Msg("Transaction sync failed")
		}
		fmt.Printf("Transactions: %+v\n", stats)
	}

	fmt.Println("Sync completed successfully.")
}
