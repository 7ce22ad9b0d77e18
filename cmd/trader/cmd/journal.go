package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the decision journal",
	Long: `Query the journal entries of an operation in sequence order.

Examples:
  trader journal show <operation-id>
  trader journal show <operation-id> --after 120 --limit 20`,
}

var journalShowCmd = &cobra.Command{
	Use:   "show <operation-id>",
	Short: "Show the journal entries of an operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

var (
	journalAfter   uint64
	journalLimit   int
	journalPayload bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalShowCmd)

	journalShowCmd.Flags().Uint64Var(&journalAfter, "after", 0, "only entries after this sequence number")
	journalShowCmd.Flags().IntVarP(&journalLimit, "limit", "n", 0, "at most this many entries (0 for all)")
	journalShowCmd.Flags().BoolVarP(&journalPayload, "payload", "p", false, "include each entry's JSON payload")
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	_, store, err := openJournal()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if _, err := store.Operation(ctx, args[0]); err != nil {
		return fmt.Errorf("operation %s: %w", args[0], err)
	}
	entries, err := store.Entries(ctx, args[0], journalAfter, journalLimit)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTION\tNOTES")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Seq, e.Time.UTC().Format(time.RFC3339Nano), e.Action, e.Notes)
		if journalPayload && len(e.Payload) > 0 {
			fmt.Fprintf(w, "\t\t%s\t\n", e.Payload)
		}
	}
	return w.Flush()
}
