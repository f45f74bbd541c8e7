// Package notionsync mirrors the reconciled ledger into Notion databases.
// Pages are matched to ledger records by their Stable ID property; pages
// whose record left the ledger are archived.
package notionsync

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/jomei/notionapi"
)

// BatchSize is the number of records between progress log lines.
const BatchSize = 100

// Options configures a Mirror.
type Options struct {
	TransactionsDB string
	AccountsDB     string
	DryRun         bool
}

// Stats counts what one mirror run did. In dry-run mode the counts are what
// would have happened.
type Stats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Archived  int `json:"archived"`
	Failed    int `json:"failed"`
}

// Mirror pushes ledger records to Notion.
type Mirror struct {
	notion NotionService
	source Source
	opts   Options
}

// NewMirror builds a Mirror.
func NewMirror(notion NotionService, source Source, opts Options) *Mirror {
	return &Mirror{notion: notion, source: source, opts: opts}
}

type mirrorRow struct {
	id    string
	props notionapi.Properties
}

type existingPage struct {
	pageID string
	hash   string
}

// SyncTransactions mirrors transactions dated within [start, end]; zero bounds
// are open. Pages are archived only when their transaction is gone from the
// ledger, not when it falls outside the range.
func (m *Mirror) SyncTransactions(ctx context.Context, start, end civil.Date) (Stats, error) {
	if m.opts.TransactionsDB == "" {
		return Stats{}, fmt.Errorf("SyncTransactions: no transactions database configured")
	}

	txs, err := m.source.Transactions(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("SyncTransactions: reading ledger: %w", err)
	}

	valid := make(map[string]bool, len(txs))
	var rows []mirrorRow
	for _, tx := range txs {
		valid[tx.ID] = true
		if !start.IsZero() && tx.Date.Before(start) {
			continue
		}
		if !end.IsZero() && tx.Date.After(end) {
			continue
		}
		rows = append(rows, mirrorRow{id: tx.ID, props: TransactionToNotionProperties(tx)})
	}

	return m.sync(ctx, "transactions", m.opts.TransactionsDB, rows, valid)
}

// SyncAccounts mirrors every account.
func (m *Mirror) SyncAccounts(ctx context.Context) (Stats, error) {
	if m.opts.AccountsDB == "" {
		return Stats{}, fmt.Errorf("SyncAccounts: no accounts database configured")
	}

	accounts, err := m.source.Accounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("SyncAccounts: reading ledger: %w", err)
	}

	valid := make(map[string]bool, len(accounts))
	rows := make([]mirrorRow, 0, len(accounts))
	for _, acc := range accounts {
		id := acc.Account.ID()
		valid[id] = true
		rows = append(rows, mirrorRow{id: id, props: AccountToNotionProperties(acc)})
	}

	return m.sync(ctx, "accounts", m.opts.AccountsDB, rows, valid)
}

// sync reconciles one database with rows. Per-page failures are logged and
// counted; only failing to read the database aborts the run.
func (m *Mirror) sync(ctx context.Context, kind, databaseID string, rows []mirrorRow, valid map[string]bool) (Stats, error) {
	log := logger.FromContext(ctx).With().Str("database", kind).Bool("dry_run", m.opts.DryRun).Logger()
	log.Info().Int("records", len(rows)).Msg("Starting Notion sync")

	pages, err := queryAllNotionPages(ctx, m.notion, databaseID)
	if err != nil {
		return Stats{}, fmt.Errorf("sync %s: %w", kind, err)
	}
	log.Info().Int("notion_page_count", len(pages)).Msg("Retrieved existing Notion pages")

	var stats Stats
	existing := make(map[string]existingPage, len(pages))
	for _, page := range pages {
		id := textValue(page, PropStableID)
		pageID := string(page.ID)

		_, dup := existing[id]
		if id != "" && valid[id] && !dup {
			existing[id] = existingPage{pageID: pageID, hash: textValue(page, PropSyncHash)}
			continue
		}

		// stale, unkeyed or duplicate page
		if m.opts.DryRun {
			log.Info().Str("stable_id", id).Str("page_id", pageID).Msg("[DRY RUN] Would archive Notion page")
			stats.Archived++
			continue
		}
		if err := m.notion.ArchivePage(ctx, pageID); err != nil {
			log.Warn().Err(err).Str("stable_id", id).Str("page_id", pageID).Msg("Failed to archive Notion page")
			stats.Failed++
			continue
		}
		log.Debug().Str("stable_id", id).Str("page_id", pageID).Msg("Archived Notion page")
		stats.Archived++
	}

	for i, row := range rows {
		if i > 0 && i%BatchSize == 0 {
			log.Info().Int("processed", i).Int("total", len(rows)).Msg("Processing batch")
		}

		page, found := existing[row.id]
		if found && page.hash == textValue(notionapi.Page{Properties: row.props}, PropSyncHash) {
			stats.Unchanged++
			continue
		}

		if m.opts.DryRun {
			if found {
				log.Info().Str("stable_id", row.id).Str("page_id", page.pageID).Msg("[DRY RUN] Would update Notion page")
				stats.Updated++
			} else {
				log.Info().Str("stable_id", row.id).Msg("[DRY RUN] Would create Notion page")
				stats.Created++
			}
			continue
		}

		if found {
			if _, err := m.notion.UpdatePage(ctx, page.pageID, row.props); err != nil {
				log.Warn().Err(err).Str("stable_id", row.id).Str("page_id", page.pageID).Msg("Failed to update Notion page")
				stats.Failed++
				continue
			}
			stats.Updated++
			continue
		}

		created, err := m.notion.CreatePage(ctx, databaseID, row.props)
		if err != nil {
			log.Warn().Err(err).Str("stable_id", row.id).Msg("Failed to create Notion page")
			stats.Failed++
			continue
		}
		log.Debug().Str("stable_id", row.id).Str("page_id", string(created.ID)).Msg("Created Notion page")
		stats.Created++
	}

	log.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("unchanged", stats.Unchanged).
		Int("archived", stats.Archived).
		Int("failed", stats.Failed).
		Msg("Notion sync completed")
	return stats, nil
}

// queryAllNotionPages queries all pages from a Notion database, following
// pagination cursors.
func queryAllNotionPages(ctx context.Context, notionClient NotionService, databaseID string) ([]notionapi.Page, error) {
	var allPages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{
			PageSize: 100,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notionClient.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}

		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}

	return allPages, nil
}
