package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/livetrader/journal"
)

var tradesCmd = &cobra.Command{
	Use:   "trades <operation-id>",
	Short: "List the closed trades of an operation",
	Long: `List the closed trades of an operation as a table, CSV or Org-mode.

Examples:
  trader trades <operation-id>
  trader trades <operation-id> --csv > trades.csv
  trader trades <operation-id> --org >> journal.org`,
	Args: cobra.ExactArgs(1),
	RunE: runTrades,
}

var (
	tradesCSV bool
	tradesOrg bool
)

func init() {
	rootCmd.AddCommand(tradesCmd)

	tradesCmd.Flags().BoolVar(&tradesCSV, "csv", false, "write CSV")
	tradesCmd.Flags().BoolVar(&tradesOrg, "org", false, "write Org-mode entries")
}

func runTrades(cmd *cobra.Command, args []string) error {
	if tradesCSV && tradesOrg {
		return errors.New("--csv and --org are exclusive")
	}
	_, store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	trades, err := store.Trades(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("query trades: %w", err)
	}

	out := cmd.OutOrStdout()
	switch {
	case tradesCSV:
		return journal.WriteTradesCSV(out, trades)
	case tradesOrg:
		fmt.Fprintln(out, journal.FormatTradesOrg(trades))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXIT TIME\tSIDE\tQTY\tENTRY\tEXIT\tPNL\tREASON")
	var total float64
	for _, t := range trades {
		total += t.PnL - t.TotalCommission
		fmt.Fprintf(w, "%s\t%s\t%g\t%.5f\t%.5f\t%.2f\t%s\n",
			t.ExitTime.UTC().Format(time.RFC3339), t.Side, t.Quantity, t.EntryPrice, t.ExitPrice, t.PnL, t.Reason)
	}
	fmt.Fprintf(w, "\t\t\t\t\t%.2f\t%d trades, net of commission\n", total, len(trades))
	return w.Flush()
}
