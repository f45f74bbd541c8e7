package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/classifier"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/gateway"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/reconcile"
	"github.com/spf13/cobra"
)

func (c *cli) syncCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a live-push JSON payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			res, err := a.Gateway.Sync(cmd.Context(), body)
			if err != nil {
				return err
			}
			return c.finish(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON payload keyed by record type")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) uploadCmd() *cobra.Command {
	var (
		file    string
		rtName  string
		archive bool
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Reconcile a CSV export or JSON rows of one record type",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ok := domain.ParseRecordType(rtName)
			if !ok {
				return fmt.Errorf("unknown record type %q", rtName)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading upload: %w", err)
			}
			a, err := c.openApp(cmd, archive)
			if err != nil {
				return err
			}

			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(file)), ".")
			var res *gateway.SyncResult
			if ext == "csv" {
				res, err = a.Gateway.UploadCSV(cmd.Context(), rt, bytes.NewReader(data))
			} else {
				ext = "json"
				res, err = a.Gateway.Upload(cmd.Context(), rt, data)
			}
			if err != nil {
				return err
			}

			if archive {
				if a.Archive == nil {
					return fmt.Errorf("--archive needs archive.bucket (or GCS_BUCKET)")
				}
				uri, err := a.Archive.Store(cmd.Context(), res.BatchID, rt, ext, data)
				if err != nil {
					return err
				}
				log := logger.FromContext(cmd.Context())
				log.Info().Str("uri", uri).Msg("Upload archived")
			}
			return c.finish(res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV (.csv) or JSON rows file")
	cmd.Flags().StringVarP(&rtName, "type", "t", "", "record type: transactions, accounts, balances, categories or debts")
	cmd.Flags().BoolVar(&archive, "archive", false, "store the raw file in the archive bucket")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// finish prints a sync result and turns a failed batch into a non-zero exit.
func (c *cli) finish(res *gateway.SyncResult) error {
	if err := c.printJSON(res); err != nil {
		return err
	}
	if res.Status == gateway.StatusFail {
		return fmt.Errorf("sync %s failed", res.BatchID)
	}
	return nil
}

func (c *cli) surplusCmd() *cobra.Command {
	var start, end, accountID, institution string
	cmd := &cobra.Command{
		Use:   "surplus",
		Short: "Report the surplus basis for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p reconcile.Period
			var err error
			if start != "" {
				if p.Start, err = civil.ParseDate(start); err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
			}
			if end != "" {
				if p.End, err = civil.ParseDate(end); err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
			}
			var account *domain.AccountKey
			if accountID != "" {
				account = &domain.AccountKey{AccountID: accountID, Institution: institution}
			}

			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			report, err := a.Engine.Surplus(cmd.Context(), p, account)
			if err != nil {
				return err
			}
			return c.printJSON(report)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&accountID, "account", "", "restrict to one account ID")
	cmd.Flags().StringVar(&institution, "institution", "", "institution of --account")
	return cmd
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Report net worth and debt totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			s, err := a.Engine.BalanceSummary(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(s)
		},
	}
}

func (c *cli) batchesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List recent sync batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			batches, err := a.Engine.Batches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return c.printJSON(batches)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of batches, 0 for all")
	return cmd
}

func (c *cli) reclassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify",
		Short: "Re-run the classification rules over the stored ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd, false)
			if err != nil {
				return err
			}
			res, err := a.Engine.Reclassify(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(res)
		},
	}
}

func (c *cli) rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect classification rules",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Compile a rule file and list its rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rs := classifier.DefaultRules()
			if file != "" {
				var err error
				if rs, err = classifier.LoadRules(file); err != nil {
					return err
				}
			}
			cl, err := classifier.Compile(rs)
			if err != nil {
				return err
			}
			return c.printJSON(map[string]any{
				"version": cl.Version(),
				"rules":   cl.RuleNames(),
			})
		},
	}
	validate.Flags().StringVarP(&file, "file", "f", "", "rule file; empty checks the built-in rules")

	rules.AddCommand(validate)
	return rules
}
