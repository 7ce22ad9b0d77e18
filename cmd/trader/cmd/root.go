package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/livetrader/config"
	"github.com/rustyeddy/livetrader/journal"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Run long-lived trading operations against live market data",
	Long: `Trader runs many independent trading operations at once. Each one turns
ticks into bars, asks its strategy for signals, and manages its orders and
position through a crash-safe journal. After a restart every operation is
recovered from the journal.

Settings come from a YAML file (--config) and TRADER_* environment
variables, e.g. TRADER_JOURNAL_PATH=/var/lib/trader/journal.sqlite.`,
	SilenceUsage: true,
}

var cfgPath string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML); TRADER_* env vars override it")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openJournal loads the config and opens the journal it names.
func openJournal() (*config.Config, *journal.SQLite, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := journal.NewSQLite(cfg.Journal.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return cfg, store, nil
}
