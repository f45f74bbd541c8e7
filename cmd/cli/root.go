package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dvloznov/finance-reconciler/internal/app"
	"github.com/dvloznov/finance-reconciler/internal/config"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cli carries state shared by the subcommands.
type cli struct {
	configPath string
	logLevel   string
	out        io.Writer

	cfg *config.Config
	log zerolog.Logger
	app *app.App
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:          "ledger",
		Short:        "Reconcile financial records into the ledger",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.logLevel != "" {
				cfg.Log.Level = c.logLevel
			}
			log, err := logger.NewWithOptions(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, log
			cmd.SetContext(logger.WithContext(cmd.Context(), log))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app != nil {
				return c.app.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("LEDGER_CONFIG"), "path to YAML config (or set LEDGER_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		c.syncCmd(),
		c.uploadCmd(),
		c.surplusCmd(),
		c.summaryCmd(),
		c.batchesCmd(),
		c.reclassifyCmd(),
		c.rulesCmd(),
	)
	return root
}

// openApp wires the reconciler on first use.
func (c *cli) openApp(cmd *cobra.Command, withArchive bool) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := app.New(cmd.Context(), c.cfg, c.log, app.Options{WithArchive: withArchive})
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
